package cmd

import (
	"archive/zip"
	"bytes"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/ota"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/payload"
	"io"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(verifyCmd)

	flags := verifyCmd.Flags()

	flags.String("cert", "", "x509 certificate the payload signature is checked against")
	_ = viper.BindPFlag("verify.cert", flags.Lookup("cert"))
}

var verifyCmd = &cobra.Command{
	Use:   "verify OTA_ZIP",
	Short: "check the property files, metadata and payload signature of a package",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := verifyPackage(args[0], viper.GetString("verify.cert"))
		if err != nil {
			log.Fatal(err)
		}
		color.Green(fmt.Sprintf("%v: valid %v package", args[0], kind))
	},
}

func readEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("'%v': %w", name, otazip.ErrMissingEntry)
}

func verifyPackage(path, cert string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()

	values, err := otazip.ReadMetadata(&r.Reader)
	if err != nil {
		return "", err
	}
	pb, err := readEntry(&r.Reader, otazip.MetadataPbName)
	if err != nil {
		return "", err
	}
	metadata, err := ota.UnmarshalMetadata(pb)
	if err != nil {
		return "", err
	}
	if metadata.Type != values["ota-type"] {
		return "", fmt.Errorf("metadata type %v, metadata.pb type %v: %w", values["ota-type"], metadata.Type,
			ota.ErrInvalidMetadata)
	}

	switch metadata.Type {
	case ota.TypeAB:
		files := []otazip.PropertyFiles{otazip.AbOtaPropertyFiles(), otazip.StreamingPropertyFiles()}
		if err := otazip.Verify(path, files); err != nil {
			return "", err
		}
		return metadata.Type, verifyPayload(&r.Reader, cert)
	case ota.TypeBlock:
		if err := otazip.Verify(path, []otazip.PropertyFiles{otazip.NonAbOtaPropertyFiles()}); err != nil {
			return "", err
		}
		return metadata.Type, verifyTransferLists(&r.Reader)
	}
	return "", fmt.Errorf("unknown package type %q: %w", metadata.Type, ota.ErrInvalidMetadata)
}

func verifyPayload(r *zip.Reader, cert string) error {
	encoded, err := readEntry(r, otazip.PayloadName)
	if err != nil {
		return err
	}
	decoded, err := payload.Decode(encoded)
	if err != nil {
		return err
	}
	if cert == "" {
		log.Warnf("no certificate given, payload signature not checked")
	} else {
		verifier, err := payload.LoadCertificate(cert)
		if err != nil {
			return err
		}
		if err := decoded.Verify(verifier); err != nil {
			return err
		}
	}

	expected, err := payload.Properties(encoded)
	if err != nil {
		return err
	}
	properties, err := readEntry(r, otazip.PayloadPropertiesName)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, properties) {
		return fmt.Errorf("%v does not describe the payload: %w", otazip.PayloadPropertiesName, payload.ErrInvalidPayload)
	}
	for _, p := range decoded.Manifest.Partitions {
		log.WithField("partition", p.PartitionName).Infof("%d operations", len(p.Operations))
	}
	return nil
}

func verifyTransferLists(r *zip.Reader) error {
	for _, f := range r.File {
		if !strings.HasSuffix(f.Name, ".transfer.list") {
			continue
		}
		data, err := readEntry(r, f.Name)
		if err != nil {
			return err
		}
		list, err := blockimgdiff.ParseTransferList(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("'%v': %w", f.Name, err)
		}
		if err := blockimgdiff.AssertSequenceGood(list); err != nil {
			return fmt.Errorf("'%v': %w", f.Name, err)
		}
		log.WithField("partition", strings.TrimSuffix(f.Name, ".transfer.list")).Infof("%d commands, %d blocks written",
			len(list.Commands), list.TotalBlocksWritten)
	}
	return nil
}
