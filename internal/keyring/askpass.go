package keyring

import (
	"fmt"
	"os"
	"os/exec"
)

// EnvAskpassHost names the environment variable the askpass helper reads to
// know which host's stored password to emit.
const EnvAskpassHost = "GSH_ASKPASS_HOST"

// ConfigureAskpass points an about-to-be-spawned transport command at the
// running gsh binary as its SSH_ASKPASS helper, so a hide_password host
// never prompts for a password on its own pty. The helper trusts
// GSH_ASKPASS_HOST because it only runs beneath the transport this process
// spawns, which inherits the environment variables set here.
func ConfigureAskpass(cmd *exec.Cmd, host string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate gsh executable: %w", err)
	}
	cmd.Env = append(cmd.Env,
		"SSH_ASKPASS="+execPath,
		"SSH_ASKPASS_REQUIRE=force",
		EnvAskpassHost+"="+host,
	)
	return nil
}

// Askpass implements the SSH_ASKPASS contract: print the stored password
// for the host named by GSH_ASKPASS_HOST to stdout and exit. Wired as the
// hidden "gsh askpass" command.
func Askpass() error {
	host := os.Getenv(EnvAskpassHost)
	if host == "" {
		return fmt.Errorf("%s not set", EnvAskpassHost)
	}
	password, err := GetPassword(host)
	if err != nil {
		return err
	}
	fmt.Println(password)
	return nil
}
