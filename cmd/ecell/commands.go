package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ecell-club/membership/internal/kv"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/session"
)

var errNotAdmin = errors.New("not signed in as admin; run `ecell admin login <username>`")

// dispatch restores the saved session, then runs one command against it.
func (a *app) dispatch(ctx context.Context, args []string, opts options) error {
	a.restoreToken(ctx)

	m := session.New(a.sessions, a.data, a.opts)
	m.Initialize(ctx)

	switch args[0] {
	case "login":
		if len(args) != 2 {
			return fmt.Errorf("%w: login <email-or-roll-number>", errUsage)
		}
		if err := m.Login(ctx, args[1], opts.password); err != nil {
			return err
		}
		u, _ := m.User()
		fmt.Fprintf(a.out, "Signed in as %s (%s)\n", u.Name, u.RollNumber)
		return nil
	case "register":
		return a.register(ctx, m, opts)
	case "logout":
		if err := m.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Signed out")
		return nil
	case "whoami":
		return a.whoami(ctx, m, opts)
	case "admin":
		if len(args) < 2 {
			return fmt.Errorf("%w: admin <login|logout|users|registrations|set-status>", errUsage)
		}
		return a.admin(ctx, m, args[1:], opts)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (a *app) register(ctx context.Context, m *session.Manager, opts options) error {
	in := models.NewUser{
		Name:       opts.name,
		RollNumber: opts.roll,
		Email:      opts.email,
		Branch:     opts.branch,
		Year:       opts.year,
		Phone:      opts.phone,
		Password:   opts.password,
	}
	if err := m.Register(ctx, in); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Registered %s. Run `ecell login %s` to sign in.\n",
		models.NormalizeEmail(in.Email), models.NormalizeRollNumber(in.RollNumber))
	return nil
}

func (a *app) whoami(ctx context.Context, m *session.Manager, opts options) error {
	if opts.refresh && m.IsAuthenticated() {
		if err := m.Refresh(ctx); err != nil {
			return err
		}
	}
	state := m.State()
	if state.User == nil && state.Admin == nil {
		fmt.Fprintln(a.out, "Not signed in")
		return nil
	}
	if u := state.User; u != nil {
		fmt.Fprintf(a.out, "Member: %s <%s>\n", u.Name, u.Email)
		fmt.Fprintf(a.out, "  roll number: %s\n", u.RollNumber)
		if u.Branch != "" || u.Year != 0 {
			fmt.Fprintf(a.out, "  branch: %s, year %d\n", u.Branch, u.Year)
		}
		fmt.Fprintf(a.out, "  status: %s\n", u.Status)
	}
	if ad := state.Admin; ad != nil {
		fmt.Fprintf(a.out, "Admin: %s (%s)\n", ad.Username, ad.Role)
	}
	return nil
}

func (a *app) admin(ctx context.Context, m *session.Manager, args []string, opts options) error {
	switch args[0] {
	case "login":
		if len(args) != 2 {
			return fmt.Errorf("%w: admin login <username>", errUsage)
		}
		if err := m.AdminLogin(ctx, args[1], opts.password); err != nil {
			return err
		}
		a.saveToken(ctx)
		ad, _ := m.Admin()
		fmt.Fprintf(a.out, "Signed in as admin %s (%s)\n", ad.Username, ad.Role)
		return nil
	case "logout":
		err := m.AdminLogout(ctx)
		a.dropToken(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Admin signed out")
		return nil
	}

	if !m.IsAdminAuthenticated() {
		return errNotAdmin
	}
	switch args[0] {
	case "users":
		filter := models.UserFilter{Status: models.UserStatus(strings.ToLower(opts.status))}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("invalid status %q", opts.status)
		}
		users, err := a.dashboard.ListUsers(ctx, filter)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tROLL NUMBER\tNAME\tEMAIL\tSTATUS\tLAST LOGIN")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", u.ID, u.RollNumber, u.Name, u.Email, u.Status, formatTime(u.LastLogin))
		}
		return tw.Flush()
	case "registrations":
		regs, err := a.dashboard.ListRegistrations(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUSER\tREGISTERED\tSTATUS\tSUBMISSION")
		for _, r := range regs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.UserID, formatTime(&r.RegisteredAt), r.Status, r.SubmissionStatus)
		}
		return tw.Flush()
	case "set-status":
		if len(args) != 3 {
			return fmt.Errorf("%w: admin set-status <user-id> <status>", errUsage)
		}
		status := models.UserStatus(strings.ToLower(args[2]))
		if !status.Valid() {
			return fmt.Errorf("invalid status %q", args[2])
		}
		u, err := a.setStatus(ctx, args[1], status)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s (%s) is now %s\n", u.Name, u.RollNumber, u.Status)
		return nil
	default:
		return fmt.Errorf("%w: unknown admin command %q", errUsage, args[0])
	}
}

// setStatus prefers the dashboard endpoint so the change is authorized by
// the admin token; local stores are updated directly.
func (a *app) setStatus(ctx context.Context, id string, status models.UserStatus) (models.User, error) {
	if s, ok := a.data.(statusSetter); ok {
		return s.SetUserStatus(ctx, id, status)
	}
	return a.data.UpdateUser(ctx, id, models.UserUpdate{Status: &status})
}

func (a *app) restoreToken(ctx context.Context) {
	holder, ok := a.data.(tokenHolder)
	if !ok {
		return
	}
	raw, err := a.sessions.Get(ctx, keyAdminToken)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.logger.Warn("read admin token", "error", err)
		}
		return
	}
	holder.SetToken(string(raw))
}

func (a *app) saveToken(ctx context.Context) {
	holder, ok := a.data.(tokenHolder)
	if !ok || holder.Token() == "" {
		return
	}
	if err := a.sessions.Set(ctx, keyAdminToken, []byte(holder.Token())); err != nil {
		a.logger.Warn("save admin token", "error", err)
	}
}

func (a *app) dropToken(ctx context.Context) {
	if holder, ok := a.data.(tokenHolder); ok {
		holder.SetToken("")
	}
	if err := a.sessions.Remove(ctx, keyAdminToken); err != nil && !errors.Is(err, kv.ErrNotFound) {
		a.logger.Warn("remove admin token", "error", err)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
