package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"guardian/internal/models"
)

var (
	password     string
	childName    string
	childContact string
)

var registerCmd = &cobra.Command{
	Use:   "register [username]",
	Short: "Start a parent registration",
	Long: `Creates a pending registration and sends its confirmation code to the operator.
The operator passes the code back to you; finish with "guardian confirm".

Example:
  guardian register ayah --password s3cretpass --child-name Budi --child-contact 081234567890`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

var confirmCmd = &cobra.Command{
	Use:   "confirm [username] [code]",
	Short: "Confirm a pending registration and log in as the parent",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfirm,
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in as a parent or a child",
	Long: `Logs in and stores the session token. Logging in elsewhere ends any
session already running for the same account.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored login",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.Remove(sessionFile); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Show the child login of the parent's family",
	Args:  cobra.NoArgs,
	RunE:  runCredentials,
}

func init() {
	registerCmd.Flags().StringVar(&password, "password", "", "Parent password (required)")
	registerCmd.Flags().StringVar(&childName, "child-name", "", "Child display name (required)")
	registerCmd.Flags().StringVar(&childContact, "child-contact", "", "Child phone number, 10-14 digits starting with 08 (required)")
	registerCmd.MarkFlagRequired("password")
	registerCmd.MarkFlagRequired("child-name")
	registerCmd.MarkFlagRequired("child-contact")

	loginCmd.Flags().StringVar(&password, "password", "", "Password, or the child PIN (required)")
	loginCmd.MarkFlagRequired("password")
}

func oneShot(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ticket, err := c.identity.Register(ctx, args[0], password, childName, childContact)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registration pending for %s\n", ticket.UsernameKey)
	fmt.Fprintf(out, "Code expires at %s\n", ticket.ExpiresAt.Format(time.Kitchen))
	if ticket.OperatorLink != "" {
		fmt.Fprintf(out, "Ask the operator for your code: %s\n", ticket.OperatorLink)
	}
	fmt.Fprintf(out, "Then run: guardian confirm %s <code>\n", ticket.UsernameKey)
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.identity.ConfirmRegistration(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if err := saveToken(profile.SessionToken); err != nil {
		return err
	}
	printProfile(cmd, profile)
	creds, err := c.identity.ChildCredentials(ctx, profile.FamilyID)
	if err != nil {
		return err
	}
	printCredentials(cmd, creds)
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.identity.Login(ctx, args[0], password)
	if err != nil {
		return err
	}
	if err := saveToken(profile.SessionToken); err != nil {
		return err
	}
	printProfile(cmd, profile)
	return nil
}

func runCredentials(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.resume(ctx, models.RoleParent)
	if err != nil {
		return err
	}
	creds, err := c.identity.ChildCredentials(ctx, profile.FamilyID)
	if err != nil {
		return err
	}
	printCredentials(cmd, creds)
	return nil
}

func printProfile(cmd *cobra.Command, p *models.Profile) {
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s, family %s)\n", p.DisplayName, p.Role, p.FamilyID)
}

func printCredentials(cmd *cobra.Command, creds *models.ChildCredentials) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Child login:")
	fmt.Fprintf(out, "  username: %s\n", creds.Username)
	fmt.Fprintf(out, "  PIN:      %s\n", creds.PIN)
}
