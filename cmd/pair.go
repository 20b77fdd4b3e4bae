package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/output"
	"github.com/marcus/callsync/internal/syncclient"
	"github.com/marcus/callsync/internal/syncconfig"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Bind this device to an employee on the server",
	Long: `Pairs this device with an employee account. The server must already know the
employee (callsync-server admin add-employee). A device can be paired to one
employee at a time; pairing again moves it.

Missing values are asked for interactively when run in a terminal.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := syncconfig.Load()
		if err != nil {
			return err
		}

		p := pairInput{}
		p.server, _ = cmd.Flags().GetString("server")
		p.org, _ = cmd.Flags().GetString("org")
		p.user, _ = cmd.Flags().GetString("user")
		p.device, _ = cmd.Flags().GetString("device-name")
		if p.server == "" {
			p.server = settings.ServerURL
		}
		if p.device == "" {
			p.device, _ = os.Hostname()
		}

		if p.org == "" || p.user == "" {
			if !output.Interactive() {
				return fmt.Errorf("--org and --user are required")
			}
			if err := p.prompt(); err != nil {
				return err
			}
		}
		p.server = strings.TrimRight(strings.TrimSpace(p.server), "/")

		deviceID, err := syncconfig.DeviceID()
		if err != nil {
			return err
		}

		client := syncclient.New(p.server, p.org, p.user, deviceID)
		resp, err := client.PairDevice(cmd.Context(), p.device)
		if err != nil {
			if errors.Is(err, syncclient.ErrNotFound) {
				return fmt.Errorf("server does not know employee %s/%s", p.org, p.user)
			}
			return fmt.Errorf("pair: %w", err)
		}

		pairing := &syncconfig.Pairing{
			ServerURL:    p.server,
			OrgID:        p.org,
			UserID:       p.user,
			DeviceID:     deviceID,
			DeviceName:   p.device,
			EmployeeName: resp.EmployeeName,
			PairedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if err := syncconfig.SaveAuth(pairing); err != nil {
			return fmt.Errorf("save pairing: %w", err)
		}

		if ok, err := output.Structured(os.Stdout, currentFormat(), pairing); ok {
			return err
		}
		name := resp.EmployeeName
		if name == "" {
			name = p.user
		}
		output.Success("Paired %s as %s", p.device, name)
		return nil
	},
}

type pairInput struct {
	server, org, user, device string
}

func (p *pairInput) prompt() error {
	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Server URL").Value(&p.server).Validate(required),
			huh.NewInput().Title("Organisation ID").Value(&p.org).Validate(required),
			huh.NewInput().Title("Employee ID").Value(&p.user).Validate(required),
			huh.NewInput().Title("Device name").Value(&p.device),
		),
	)
	return form.Run()
}

var unpairCmd = &cobra.Command{
	Use:     "unpair",
	Short:   "Forget the employee binding (local data is kept)",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			return err
		}
		output.Success("Unpaired; calls keep queueing locally until the device is paired again")
		return nil
	},
}

func init() {
	pairCmd.Flags().String("server", "", "server URL (default: server_url setting)")
	pairCmd.Flags().String("org", "", "organisation id")
	pairCmd.Flags().String("user", "", "employee user id")
	pairCmd.Flags().String("device-name", "", "name shown to admins (default: hostname)")
	rootCmd.AddCommand(pairCmd, unpairCmd)
}
