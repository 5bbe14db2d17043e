package cmd

import (
	"fmt"
	"io"

	"github.com/Dicklesworthstone/tenantctl/internal/session"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View or edit your profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your profile",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change your name",
	Long: `Updates the profile fields given as flags. Fields not given are left
unchanged.

Examples:
  tenantctl profile update --first-name Ada
  tenantctl profile update --first-name Ada --last-name Lovelace`,
	Args: cobra.NoArgs,
	RunE: runProfileUpdate,
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Change or reset your password",
}

var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change your password",
	Long: `Reads the current password, the new password and its confirmation, from
the terminal or one per line from stdin.`,
	Args: cobra.NoArgs,
	RunE: runPasswordChange,
}

var passwordForgotCmd = &cobra.Command{
	Use:   "forgot <email>",
	Short: "Request a password reset email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		return printMessage(cmd, func() (string, error) {
			return c.Session().ForgotPassword(cmd.Context(), args[0])
		})
	},
}

var passwordResetCmd = &cobra.Command{
	Use:   "reset <token>",
	Short: "Set a new password with a reset token",
	Long: `Sets a new password using the token from the reset email. Reads the new
password and its confirmation from the terminal or from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret(cmd, "New password: ")
		if err != nil {
			return err
		}
		confirm, err := readSecret(cmd, "Confirm new password: ")
		if err != nil {
			return err
		}
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		return printMessage(cmd, func() (string, error) {
			return c.Session().ResetPassword(cmd.Context(), args[0], password, confirm)
		})
	},
}

var verifyEmailCmd = &cobra.Command{
	Use:   "verify-email <token>",
	Short: "Confirm your email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		return printMessage(cmd, func() (string, error) {
			return c.Session().VerifyEmail(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileUpdateCmd)

	rootCmd.AddCommand(passwordCmd)
	passwordCmd.AddCommand(passwordChangeCmd)
	passwordCmd.AddCommand(passwordForgotCmd)
	passwordCmd.AddCommand(passwordResetCmd)

	rootCmd.AddCommand(verifyEmailCmd)

	profileUpdateCmd.Flags().String("first-name", "", "new first name")
	profileUpdateCmd.Flags().String("last-name", "", "new last name")
}

func runProfileUpdate(cmd *cobra.Command, args []string) error {
	update := session.ProfileUpdate{
		FirstName: optional(cmd, "first-name"),
		LastName:  optional(cmd, "last-name"),
	}
	if update.FirstName == nil && update.LastName == nil {
		return fmt.Errorf("nothing to update; pass --first-name or --last-name")
	}

	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	user, err := c.Session().UpdateProfile(cmd.Context(), update)
	if err != nil {
		return err
	}
	return emit(cmd, user, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Profile updated: %s\n", user.DisplayName())
		return err
	})
}

func runPasswordChange(cmd *cobra.Command, args []string) error {
	current, err := readSecret(cmd, "Current password: ")
	if err != nil {
		return err
	}
	next, err := readSecret(cmd, "New password: ")
	if err != nil {
		return err
	}
	confirm, err := readSecret(cmd, "Confirm new password: ")
	if err != nil {
		return err
	}

	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	return printMessage(cmd, func() (string, error) {
		return c.Session().ChangePassword(cmd.Context(), current, next, confirm)
	})
}

// printMessage runs an operation that answers with a server message.
func printMessage(cmd *cobra.Command, op func() (string, error)) error {
	msg, err := op()
	if err != nil {
		return err
	}
	return emit(cmd, map[string]string{"message": msg}, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, msg)
		return err
	})
}
