package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/refresh"
	"github.com/Dicklesworthstone/tenantctl/internal/session"
	"github.com/Dicklesworthstone/tenantctl/internal/tokeninfo"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Long: `Creates an account. The password is read from the terminal, or from
stdin (password, then confirmation, one per line) when stdin is not a
terminal. Registration does not sign you in; verify your email, then run
'tenantctl login'.`,
	Args: cobra.NoArgs,
	RunE: runRegister,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in",
	Long: `Signs in and stores the session. The password is read from the terminal,
or from the first line of stdin when stdin is not a terminal.

Examples:
  tenantctl login --email you@example.com
  echo "$PASSWORD" | tenantctl login --email you@example.com`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	Long: `Tells the server to revoke the refresh token, then clears the stored
session. The local session is cleared even when the server cannot be
reached.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	Long: `Shows the session state, the signed-in user, the selected organization,
and when the access token expires. Nothing is sent to the server.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Fetch the signed-in user from the server",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Renew the session now",
	Long: `Exchanges the refresh token for a new token pair. A rejected refresh
token ends the session.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(refreshCmd)

	registerCmd.Flags().String("email", "", "email address (required)")
	registerCmd.Flags().String("first-name", "", "first name")
	registerCmd.Flags().String("last-name", "", "last name")
	_ = registerCmd.MarkFlagRequired("email")

	loginCmd.Flags().String("email", "", "email address (required)")
	_ = loginCmd.MarkFlagRequired("email")

	refreshCmd.Flags().Bool("if-expiring", false, "only renew when the access token expires within the refresh threshold")
}

func runRegister(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	first, _ := cmd.Flags().GetString("first-name")
	last, _ := cmd.Flags().GetString("last-name")

	password, err := readSecret(cmd, "Password: ")
	if err != nil {
		return err
	}
	confirm, err := readSecret(cmd, "Confirm password: ")
	if err != nil {
		return err
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Session().Register(cmd.Context(), session.RegisterRequest{
		Email:           email,
		Password:        password,
		PasswordConfirm: confirm,
		FirstName:       first,
		LastName:        last,
	})
	if err != nil {
		return err
	}
	return emit(cmd, res, func(w io.Writer) error {
		msg := res.Message
		if msg == "" {
			msg = "Account created."
		}
		_, err := fmt.Fprintln(w, msg)
		return err
	})
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, err := readSecret(cmd, "Password: ")
	if err != nil {
		return err
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Session().Login(cmd.Context(), email, password)
	if err != nil {
		return err
	}
	return emit(cmd, res.User, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Signed in as %s\n", res.User.DisplayName())
		return err
	})
}

func runLogout(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	if err := c.Session().Logout(cmd.Context()); err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	}
	return nil
}

type statusView struct {
	State          string     `json:"state"`
	Email          string     `json:"email,omitempty"`
	Name           string     `json:"name,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Backend        string     `json:"backend"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	view := statusView{
		State:   c.Session().State().String(),
		Backend: cfg.Store.Backend,
	}
	if u := c.Session().User(); u != nil {
		view.Email = u.Email
		view.Name = u.DisplayName()
	}
	if view.OrganizationID, err = c.Tenants().Selected(ctx); err != nil {
		return err
	}
	creds, err := c.Store().LoadCredentials(ctx)
	if err != nil {
		return err
	}
	if info, err := tokeninfo.Parse(creds.AccessToken); err == nil && !info.ExpiresAt.IsZero() {
		exp := info.ExpiresAt
		view.TokenExpiresAt = &exp
	}

	return emit(cmd, view, func(w io.Writer) error {
		fmt.Fprintf(w, "State:         %s\n", view.State)
		if view.Email != "" {
			fmt.Fprintf(w, "User:          %s <%s>\n", view.Name, view.Email)
		}
		fmt.Fprintf(w, "Organization:  %s\n", orDash(view.OrganizationID))
		if view.TokenExpiresAt != nil {
			ttl := time.Until(*view.TokenExpiresAt).Round(time.Second)
			if ttl > 0 {
				fmt.Fprintf(w, "Token expires: %s (in %s)\n", view.TokenExpiresAt.Local().Format(time.RFC3339), ttl)
			} else {
				fmt.Fprintf(w, "Token expired: %s\n", view.TokenExpiresAt.Local().Format(time.RFC3339))
			}
		}
		_, err := fmt.Fprintf(w, "Store:         %s\n", view.Backend)
		return err
	})
}

func runWhoami(cmd *cobra.Command, args []string) error {
	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	user, err := c.Session().Profile(cmd.Context())
	if err != nil {
		return err
	}
	return emit(cmd, user, func(w io.Writer) error {
		verified := "no"
		if user.IsVerified {
			verified = "yes"
		}
		fmt.Fprintf(w, "ID:       %s\n", user.ID)
		fmt.Fprintf(w, "Email:    %s\n", user.Email)
		fmt.Fprintf(w, "Name:     %s\n", strings.TrimSpace(user.FirstName+" "+user.LastName))
		_, err := fmt.Fprintf(w, "Verified: %s\n", verified)
		return err
	})
}

func runRefresh(cmd *cobra.Command, args []string) error {
	c, err := signedIn(cmd)
	if err != nil {
		return err
	}

	ifExpiring, _ := cmd.Flags().GetBool("if-expiring")
	if ifExpiring {
		creds, err := c.Store().LoadCredentials(cmd.Context())
		if err != nil {
			return err
		}
		info, err := tokeninfo.Parse(creds.AccessToken)
		if err != nil {
			return fmt.Errorf("access token carries no expiry: %w", err)
		}
		if !refresh.ShouldRefresh(info.ExpiresAt, refresh.DefaultRefreshThreshold) {
			fmt.Fprintln(cmd.OutOrStdout(), "Session is fresh, nothing to do.")
			return nil
		}
	}

	if _, err := c.Renewals().ForceRenew(cmd.Context()); err != nil {
		if errors.Is(err, refresh.ErrNotAuthenticated) {
			return fmt.Errorf("not signed in; run 'tenantctl login' first")
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Session renewed.")
	return nil
}
