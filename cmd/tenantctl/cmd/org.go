package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Dicklesworthstone/tenantctl/internal/client"
	"github.com/Dicklesworthstone/tenantctl/internal/tenant"
	"github.com/Dicklesworthstone/tenantctl/internal/tui"
	"github.com/spf13/cobra"
)

// orgCmd is the parent command for organization management.
var orgCmd = &cobra.Command{
	Use:     "org",
	Aliases: []string{"orgs", "organization"},
	Short:   "Manage organizations and the active organization",
	Long: `List, create and switch organizations, and manage their members.

Requests to tenant-scoped endpoints carry the active organization.

Examples:
  tenantctl org list
  tenantctl org create "Acme Inc"
  tenantctl org switch <id>
  tenantctl org members
  tenantctl org invite bob@example.com --role <role-id>`,
}

var orgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your organizations",
	Args:  cobra.NoArgs,
	RunE:  runOrgList,
}

var orgCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an organization",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrgCreate,
}

var orgSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make one of your listed organizations active",
	Long: `Fetches your organizations and makes the one with the given id active.
Use 'switch' to activate an organization by id without listing.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrgSelect,
}

var orgSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Make an organization active by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signedIn(cmd)
		if err != nil {
			return err
		}
		org, err := c.Tenants().SwitchOrganization(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printActive(cmd, org)
	},
}

var orgClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the active organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		if err := c.Tenants().ClearSelection(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No active organization.")
		return nil
	},
}

var orgUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an organization's details",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrgUpdate,
}

var orgDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an organization",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrgDelete,
}

var orgMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the members of an organization",
	Args:  cobra.NoArgs,
	RunE:  runOrgMembers,
}

var orgMemberRoleCmd = &cobra.Command{
	Use:   "member-role <member-id> <role-id>",
	Short: "Change a member's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, orgID, err := targetOrg(cmd)
		if err != nil {
			return err
		}
		m, err := c.Tenants().UpdateMemberRole(cmd.Context(), orgID, args[0], args[1])
		if err != nil {
			return err
		}
		return emit(cmd, m, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%s is now %s\n", m.User.Email, m.Role.Name)
			return err
		})
	},
}

var orgRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member <member-id>",
	Short: "Remove a member from an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, orgID, err := targetOrg(cmd)
		if err != nil {
			return err
		}
		if err := c.Tenants().RemoveMember(cmd.Context(), orgID, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Member removed.")
		return nil
	},
}

var orgInviteCmd = &cobra.Command{
	Use:   "invite <email>",
	Short: "Invite someone to an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		c, orgID, err := targetOrg(cmd)
		if err != nil {
			return err
		}
		inv, err := c.Tenants().InviteMember(cmd.Context(), orgID, args[0], role)
		if err != nil {
			return err
		}
		return emit(cmd, inv, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Invited %s as %s (expires %s)\n",
				inv.Email, inv.Role.Name, inv.ExpiresAt.Local().Format("2006-01-02"))
			return err
		})
	},
}

var orgInvitationsCmd = &cobra.Command{
	Use:   "invitations",
	Short: "List the pending invitations of an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, orgID, err := targetOrg(cmd)
		if err != nil {
			return err
		}
		invs, err := c.Tenants().Invitations(cmd.Context(), orgID)
		if err != nil {
			return err
		}
		return emit(cmd, invs, func(w io.Writer) error {
			if len(invs) == 0 {
				_, err := fmt.Fprintln(w, "No pending invitations.")
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tROLE\tEXPIRES")
			for _, inv := range invs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", inv.Email, inv.Role.Name, inv.ExpiresAt.Local().Format("2006-01-02"))
			}
			return tw.Flush()
		})
	},
}

var orgAcceptCmd = &cobra.Command{
	Use:   "accept <token>",
	Short: "Accept an invitation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signedIn(cmd)
		if err != nil {
			return err
		}
		m, err := c.Tenants().AcceptInvitation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(cmd, m, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Joined as %s. Run 'tenantctl org list' to see the organization.\n", m.Role.Name)
			return err
		})
	},
}

var orgRolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List the assignable roles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signedIn(cmd)
		if err != nil {
			return err
		}
		roles, err := c.Tenants().Roles(cmd.Context())
		if err != nil {
			return err
		}
		return emit(cmd, roles, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLEVEL\tPERMISSIONS")
			for _, r := range roles {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", r.ID, r.Name, r.Level, r.PermissionCount)
			}
			return tw.Flush()
		})
	},
}

var orgPermissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "List every permission",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signedIn(cmd)
		if err != nil {
			return err
		}
		perms, err := c.Tenants().Permissions(cmd.Context())
		if err != nil {
			return err
		}
		return emit(cmd, perms, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tCATEGORY\tNAME")
			for _, p := range perms {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Code, orDash(p.Category), p.Name)
			}
			return tw.Flush()
		})
	},
}

var orgPickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Choose the active organization interactively",
	Args:  cobra.NoArgs,
	RunE:  runPick,
}

func init() {
	rootCmd.AddCommand(orgCmd)
	for _, c := range []*cobra.Command{
		orgListCmd, orgCreateCmd, orgSelectCmd, orgSwitchCmd, orgClearCmd,
		orgUpdateCmd, orgDeleteCmd, orgMembersCmd, orgMemberRoleCmd,
		orgRemoveMemberCmd, orgInviteCmd, orgInvitationsCmd, orgAcceptCmd,
		orgRolesCmd, orgPermissionsCmd, orgPickCmd,
	} {
		orgCmd.AddCommand(c)
	}

	for _, c := range []*cobra.Command{orgCreateCmd, orgUpdateCmd} {
		c.Flags().String("description", "", "description")
		c.Flags().String("email", "", "contact email")
		c.Flags().String("phone", "", "contact phone")
		c.Flags().String("website", "", "website")
		c.Flags().String("currency", "", "currency code, e.g. USD")
		c.Flags().String("timezone", "", "timezone, e.g. UTC")
	}
	orgCreateCmd.Flags().Bool("select", false, "make the new organization active")
	orgUpdateCmd.Flags().String("name", "", "new name")
	orgDeleteCmd.Flags().Bool("yes", false, "do not ask for confirmation")

	for _, c := range []*cobra.Command{orgMembersCmd, orgMemberRoleCmd, orgRemoveMemberCmd, orgInviteCmd, orgInvitationsCmd} {
		c.Flags().String("org", "", "organization id (default: the active organization)")
	}
	orgInviteCmd.Flags().String("role", "", "role id to grant (required)")
	_ = orgInviteCmd.MarkFlagRequired("role")
}

// targetOrg resolves --org, falling back to the active organization.
func targetOrg(cmd *cobra.Command) (*client.Client, string, error) {
	c, err := signedIn(cmd)
	if err != nil {
		return nil, "", err
	}
	orgID, _ := cmd.Flags().GetString("org")
	if orgID == "" {
		if orgID, err = c.Tenants().Selected(cmd.Context()); err != nil {
			return nil, "", err
		}
	}
	if orgID == "" {
		return nil, "", fmt.Errorf("no active organization; pass --org or run 'tenantctl org switch <id>'")
	}
	return c, orgID, nil
}

func orgFields(cmd *cobra.Command) tenant.OrganizationFields {
	return tenant.OrganizationFields{
		Description: optional(cmd, "description"),
		Email:       optional(cmd, "email"),
		Phone:       optional(cmd, "phone"),
		Website:     optional(cmd, "website"),
		Currency:    optional(cmd, "currency"),
		Timezone:    optional(cmd, "timezone"),
	}
}

func runOrgList(cmd *cobra.Command, args []string) error {
	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	orgs, err := c.Tenants().ListOrganizations(cmd.Context())
	if err != nil {
		return err
	}
	active := ""
	if cur := c.Tenants().Current(); cur != nil {
		active = cur.ID
	}

	return emit(cmd, orgs, func(w io.Writer) error {
		if len(orgs) == 0 {
			_, err := fmt.Fprintln(w, "You do not belong to any organization. Create one with 'tenantctl org create <name>'.")
			return err
		}
		return renderOrgList(w, orgs, active)
	})
}

func renderOrgList(w io.Writer, orgs []tenant.Organization, active string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tSLUG\tROLE\tMEMBERS")
	for _, o := range orgs {
		mark := ""
		if o.ID == active {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", mark, o.ID, o.Name, o.Slug, orDash(o.UserRole), o.MemberCount)
	}
	return tw.Flush()
}

func runOrgCreate(cmd *cobra.Command, args []string) error {
	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	fields := orgFields(cmd)
	fields.Name = &args[0]

	org, err := c.Tenants().CreateOrganization(cmd.Context(), fields)
	if err != nil {
		return err
	}
	if sel, _ := cmd.Flags().GetBool("select"); sel {
		if err := c.Tenants().SelectOrganization(cmd.Context(), *org); err != nil {
			return err
		}
	}
	return emit(cmd, org, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Created %s (%s)\n", org.Name, org.ID)
		return err
	})
}

func runOrgSelect(cmd *cobra.Command, args []string) error {
	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	orgs, err := c.Tenants().ListOrganizations(cmd.Context())
	if err != nil {
		return err
	}
	for _, o := range orgs {
		if o.ID == args[0] {
			if err := c.Tenants().SelectOrganization(cmd.Context(), o); err != nil {
				return err
			}
			return printActive(cmd, &o)
		}
	}
	return fmt.Errorf("you do not belong to organization %s", args[0])
}

func runOrgUpdate(cmd *cobra.Command, args []string) error {
	fields := orgFields(cmd)
	fields.Name = optional(cmd, "name")
	if fields == (tenant.OrganizationFields{}) {
		return fmt.Errorf("nothing to update; pass at least one field flag")
	}

	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	org, err := c.Tenants().UpdateOrganization(cmd.Context(), args[0], fields)
	if err != nil {
		return err
	}
	return emit(cmd, org, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Updated %s\n", org.Name)
		return err
	})
}

func runOrgDelete(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		answer, err := readLine(cmd, fmt.Sprintf("Delete organization %s? [y/N] ", args[0]))
		if err != nil {
			return err
		}
		if answer != "y" && answer != "Y" && answer != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	if err := c.Tenants().DeleteOrganization(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Organization deleted.")
	return nil
}

func runOrgMembers(cmd *cobra.Command, args []string) error {
	c, orgID, err := targetOrg(cmd)
	if err != nil {
		return err
	}
	members, err := c.Tenants().Members(cmd.Context(), orgID)
	if err != nil {
		return err
	}
	return emit(cmd, members, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tROLE\tJOINED")
		for _, m := range members {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.User.Email, orDash(m.User.DisplayName()), m.Role.Name,
				m.CreatedAt.Local().Format("2006-01-02"))
		}
		return tw.Flush()
	})
}

func printActive(cmd *cobra.Command, org *tenant.Organization) error {
	return emit(cmd, org, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Active organization: %s (%s)\n", org.Name, org.ID)
		return err
	})
}

func runPick(cmd *cobra.Command, args []string) error {
	c, err := signedIn(cmd)
	if err != nil {
		return err
	}
	name := ""
	if u := c.Session().User(); u != nil {
		name = u.DisplayName()
	}
	if cfg.Watch.Enabled {
		if err := c.WatchStore(cmd.Context(), nil); err != nil {
			logger.Debug("not following store changes", "error", err)
		}
	}
	org, err := tui.Run(cmd.Context(), c.Tenants(), name)
	if err != nil {
		return err
	}
	if org != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Active organization: %s (%s)\n", org.Name, org.ID)
	}
	return nil
}
