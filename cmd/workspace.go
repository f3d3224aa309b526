package cmd

import (
	"github.com/rattlesnakeos/otatools/internal/ota"
	"github.com/rattlesnakeos/otatools/internal/tools"

	"github.com/spf13/viper"
)

// newWorkspace creates the process workspace and a host tool client running inside it.
// The caller removes the workspace with Close.
func newWorkspace() (*ota.Workspace, *tools.Client, error) {
	workspace, err := ota.NewWorkspace(viper.GetString("temp-dir"))
	if err != nil {
		return nil, nil, err
	}
	client := tools.New(viper.GetString("tools-path"), workspace.Dir)
	if timeout := viper.GetDuration("tool-timeout"); timeout > 0 {
		client = client.WithTimeout(timeout)
	}
	return workspace, client, nil
}
