package configutil

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().String("bind", "127.0.0.1", "")
	cmd.Flags().Int("port", 8080, "")
	cmd.Flags().Duration("ttl", time.Minute, "")
	cmd.Flags().StringSlice("numbers", nil, "")
	cmd.Flags().Bool("resume", true, "")
	return cmd
}

func TestFlagOrViperPrecedence(t *testing.T) {
	t.Cleanup(viper.Reset)
	cmd := newCmd()

	if got := FlagOrViperString(cmd, "bind", "server.bind"); got != "127.0.0.1" {
		t.Fatalf("default = %q", got)
	}

	viper.Set("server.bind", "0.0.0.0")
	viper.Set("server.port", 9000)
	viper.Set("qr.ttl", "30s")
	viper.Set("sessions.authorized_numbers", []string{"60111"})
	viper.Set("sessions.resume_active", false)
	if got := FlagOrViperString(cmd, "bind", "server.bind"); got != "0.0.0.0" {
		t.Fatalf("viper value = %q", got)
	}
	if got := FlagOrViperInt(cmd, "port", "server.port"); got != 9000 {
		t.Fatalf("port = %d", got)
	}
	if got := FlagOrViperDuration(cmd, "ttl", "qr.ttl"); got != 30*time.Second {
		t.Fatalf("ttl = %s", got)
	}
	if got := FlagOrViperStringSlice(cmd, "numbers", "sessions.authorized_numbers"); len(got) != 1 || got[0] != "60111" {
		t.Fatalf("numbers = %v", got)
	}
	if FlagOrViperBool(cmd, "resume", "sessions.resume_active") {
		t.Fatalf("resume should come from viper")
	}

	if err := cmd.Flags().Set("bind", "10.0.0.1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := FlagOrViperString(cmd, "bind", "server.bind"); got != "10.0.0.1" {
		t.Fatalf("explicit flag = %q", got)
	}
}
