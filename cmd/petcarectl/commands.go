package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-print"
	"github.com/goliatone/hashid"
	"github.com/spf13/cobra"

	account "github.com/petcare/go-account"
	"github.com/petcare/go-account/repository"
)

const settleTimeout = 10 * time.Second

type appFunc func() *app

type stateView struct {
	Phase      account.Phase    `json:"phase"`
	IdentityID string           `json:"identity_id,omitempty"`
	Email      string           `json:"email,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Profile    *account.Profile `json:"profile,omitempty"`
}

func viewOf(s account.State) stateView {
	v := stateView{Phase: s.Phase, Profile: s.Profile}
	if s.Session != nil {
		v.IdentityID = s.Session.Identity.ID
		v.Email = s.Session.Identity.Email
		expires := s.Session.ExpiresAt
		v.ExpiresAt = &expires
	}
	return v
}

// awaitState blocks until done accepts the facade state. Session changes from
// the provider arrive asynchronously.
func awaitState(ctx context.Context, f *account.Facade, done func(account.State) bool) (account.State, error) {
	ch := make(chan account.State, 1)
	unsubscribe := f.Subscribe(func(s account.State) {
		if done(s) {
			select {
			case ch <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := f.State(); done(s) {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return f.State(), errors.New("timed out waiting for the session to settle")
	}
}

func newMigrateCmd(current appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the profiles, identities and device_sessions tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := current().migrate(cmd.Context(), false); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newSeedCmd(current appFunc) *cobra.Command {
	var profile account.Profile
	var fixtures bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a legacy profile that is not linked to any identity yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := current()

			if fixtures {
				if err := a.migrate(ctx, true); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "fixtures loaded")
				return nil
			}

			profile.Email = account.NormalizeEmail(profile.Email)
			if profile.Email == "" || profile.Name == "" {
				return errors.New("--email and --name are required")
			}
			if profile.ID == "" {
				id, err := hashid.NewUUID(profile.Email)
				if err != nil {
					return fmt.Errorf("derive legacy id: %w", err)
				}
				profile.ID = id.String()
			}

			var created *account.Profile
			err := a.manager.RunInTx(ctx, nil, func(ctx context.Context, profiles *repository.ProfileStore) error {
				existing, err := profiles.FindByEmail(ctx, profile.Email)
				if err != nil {
					return err
				}
				if existing != nil {
					created = existing
					return nil
				}
				created, err = profiles.Insert(ctx, &profile)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), print.MaybePrettyJSON(created))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fixtures, "fixtures", false, "Replace all profiles with the demo fixtures")
	cmd.Flags().StringVar(&profile.ID, "id", "", "Legacy id (derived from the email when empty)")
	cmd.Flags().StringVar(&profile.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&profile.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&profile.Profession, "profession", "", "Profession")
	cmd.Flags().StringVar(&profile.ClinicName, "clinic", "", "Clinic name")
	cmd.Flags().StringVar(&profile.LicenseNumber, "license", "", "License number")
	cmd.Flags().StringVar(&profile.Phone, "phone", "", "Phone number in E.164")
	return cmd
}

func newRegisterCmd(current appFunc) *cobra.Command {
	var in account.RegisterInput
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an identity and its clinic profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := current().account(cmd.Context())
			if err != nil {
				return err
			}
			out, err := f.Register(cmd.Context(), in)
			if err != nil {
				return err
			}
			if out.RequiresConfirmation {
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s, confirm the email before signing in\n", out.Identity.Email)
				return nil
			}

			state, err := awaitState(cmd.Context(), f, func(s account.State) bool {
				return !s.Loading() && s.IdentityID() == out.Identity.ID
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), print.MaybePrettyJSON(viewOf(state)))
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&in.Password, "password", "", "Password (6 to 72 characters)")
	cmd.Flags().StringVar(&in.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&in.Profession, "profession", "", "Profession")
	cmd.Flags().StringVar(&in.ClinicName, "clinic", "", "Clinic name")
	cmd.Flags().StringVar(&in.LicenseNumber, "license", "", "License number")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "Phone number")
	return cmd
}

func newConfirmCmd(current appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm EMAIL",
		Short: "Mark an identity's email as confirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			if _, err := a.account(cmd.Context()); err != nil {
				return err
			}
			if err := a.provider.Confirm(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "confirmed")
			return nil
		},
	}
}

func newLoginCmd(current appFunc) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and load the clinic profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := current().account(ctx)
			if err != nil {
				return err
			}
			if err := f.Login(ctx, email, password); err != nil {
				return err
			}

			want := account.NormalizeEmail(email)
			state, err := awaitState(ctx, f, func(s account.State) bool {
				return !s.Loading() && s.Session != nil && s.Session.Identity.Email == want
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), print.MaybePrettyJSON(viewOf(state)))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	return cmd
}

func newWhoamiCmd(current appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in identity and its profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := current().account(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), print.MaybePrettyJSON(viewOf(f.State())))
			return nil
		},
	}
}

func newUpdateProfileCmd(current appFunc) *cobra.Command {
	var name, profession, clinic, license, phone string
	cmd := &cobra.Command{
		Use:   "update-profile",
		Short: "Change fields of the signed in profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := current().account(cmd.Context())
			if err != nil {
				return err
			}

			var patch account.ProfilePatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("profession") {
				patch.Profession = &profession
			}
			if flags.Changed("clinic") {
				patch.ClinicName = &clinic
			}
			if flags.Changed("license") {
				patch.LicenseNumber = &license
			}
			if flags.Changed("phone") {
				patch.Phone = &phone
			}

			updated, err := f.UpdateProfile(cmd.Context(), patch)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), print.MaybePrettyJSON(updated))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&profession, "profession", "", "Profession")
	cmd.Flags().StringVar(&clinic, "clinic", "", "Clinic name")
	cmd.Flags().StringVar(&license, "license", "", "License number")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	return cmd
}

func newChangePasswordCmd(current appFunc) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Replace the signed in identity's password",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := current().account(cmd.Context())
			if err != nil {
				return err
			}
			if err := f.ChangePassword(cmd.Context(), password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "password changed")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "New password (6 to 72 characters)")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd(current appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out of this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := current().account(ctx)
			if err != nil {
				return err
			}
			if err := f.Logout(ctx); err != nil {
				return err
			}
			if _, err := awaitState(ctx, f, func(s account.State) bool {
				return s.Phase == account.PhaseUnauthenticated
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}
