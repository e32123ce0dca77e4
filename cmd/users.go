package cmd

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ifcscheduler/models"
)

func newUsersCommand(ctx *commandContext) *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users that batches can run on behalf of",
	}
	usersCmd.AddCommand(newUsersAuthorizeCommand(ctx))
	return usersCmd
}

type authorizeOptions struct {
	email     string
	code      string
	hubID     string
	region    string
	projectID []string
	role      string
}

func newUsersAuthorizeCommand(ctx *commandContext) *cobra.Command {
	var opts authorizeOptions

	cmd := &cobra.Command{
		Use:   "authorize <user-id>",
		Short: "Sign a user in and store their delegated credential",
		Long: "Without --code, prints the consent URL to open in a browser.\n" +
			"With --code, exchanges the authorization code and stores the user.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				if opts.code == "" {
					fmt.Fprintln(cmd.OutOrStdout(), a.oauth.AuthorizationURL(uuid.NewString()))
					return nil
				}

				user, err := buildUser(args[0], opts)
				if err != nil {
					return err
				}
				if err := a.db.SaveUser(cmd.Context(), user); err != nil {
					return err
				}
				if err := a.oauth.Exchange(cmd.Context(), opts.code, user); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Authorized %s as %s\n", user.Email, opts.role)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.email, "email", "", "User email")
	cmd.Flags().StringVar(&opts.code, "code", "", "Authorization code returned to the callback")
	cmd.Flags().StringVar(&opts.hubID, "hub", "", "Hub the user works in")
	cmd.Flags().StringVar(&opts.region, "region", "US", "Hub region")
	cmd.Flags().StringSliceVar(&opts.projectID, "project", nil, "Project the user can reach (repeatable)")
	cmd.Flags().StringVar(&opts.role, "role", string(models.RoleProjectAdmin), "ApplicationAdmin, AccountAdmin or ProjectAdmin")
	return cmd
}

func buildUser(id string, opts authorizeOptions) (*models.User, error) {
	if opts.email == "" {
		return nil, errors.New("--email is required")
	}
	role := models.AccountRole(opts.role)
	perm := models.Permission{Role: role}
	switch role {
	case models.RoleApplicationAdmin:
	case models.RoleAccountAdmin:
		if opts.hubID == "" {
			return nil, errors.New("--hub is required for an account admin")
		}
		perm.HubID = opts.hubID
	case models.RoleProjectAdmin:
		if len(opts.projectID) == 0 {
			return nil, errors.New("--project is required for a project admin")
		}
		perm.ProjectIDs = opts.projectID
	default:
		return nil, fmt.Errorf("unknown role %q", opts.role)
	}

	user := &models.User{ID: id, Email: opts.email, Permissions: []models.Permission{perm}}
	if opts.hubID != "" {
		user.Accounts = []models.Account{{HubID: opts.hubID, Region: opts.region, ProjectIDs: opts.projectID}}
	}
	return user, nil
}
