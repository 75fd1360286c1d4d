package cloudinit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/vmgate/vmgate/internal/vm"
)

// seedVolumeLabel is the label NoCloud datasources probe for.
const seedVolumeLabel = "CIDATA"

// BuildSeed writes a NoCloud seed image for machine to imagePath. The seed
// carries meta-data and the same network-config document the daemon backend
// embeds, so a machine provisions identically through either transport.
func BuildSeed(machine *vm.Machine, imagePath string) error {
	if machine == nil {
		return fmt.Errorf("machine is required")
	}
	if !vm.IsUUID(machine.UUID) {
		return &vm.ValidationError{Field: "uuid", Reason: fmt.Sprintf("%q is not a canonical uuid", machine.UUID)}
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	metaData := renderMetaData(machine)
	if err := writer.AddFile(strings.NewReader(metaData), "meta-data"); err != nil {
		return fmt.Errorf("stage meta-data: %w", err)
	}

	networkConfig, err := RenderNetworkConfig(machine)
	if err != nil {
		return err
	}
	if err := writer.AddFile(strings.NewReader(networkConfig), "network-config"); err != nil {
		return fmt.Errorf("stage network-config: %w", err)
	}

	// An empty user-data file keeps strict datasource implementations happy.
	if err := writer.AddFile(strings.NewReader("#cloud-config\n"), "user-data"); err != nil {
		return fmt.Errorf("stage user-data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func renderMetaData(machine *vm.Machine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance-id: %s\n", machine.UUID)
	hostname := machine.Hostname
	if hostname == "" {
		hostname = machine.Alias
	}
	if hostname != "" {
		fmt.Fprintf(&b, "local-hostname: %s\n", hostname)
	}
	return b.String()
}
