package main

import (
	"github.com/rattlesnakeos/otatools/cmd"
	"github.com/rattlesnakeos/otatools/internal/templates"
	rawTemplates "github.com/rattlesnakeos/otatools/templates"
)

var version = "dev"

func main() {
	cmd.Execute(version, &templates.TemplateFiles{
		UpdaterScript: rawTemplates.UpdaterScriptTemplate,
	})
}
