package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bugline/internal/app"
	"bugline/internal/config"
	"bugline/internal/db"
	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/migrate"
	"bugline/internal/repo"
	"bugline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bugline CLI",
	Long: `Bugline is a small bug tracker with a REST API.
Issues move through a fixed lifecycle (open -> in_progress -> resolved ->
closed, with reopening), and a role matrix (admin, manager, developer)
decides who may do what. The workspace holds a .bugline SQLite database and
an optional bugline.yml config.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/bugline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(seedCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bugline.yml with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			content := config.GenerateDefault(hex.EncodeToString(secret))
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var host string
	var port int
	var adminUser, adminEmail, adminPassword string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Config.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required; run bl init or set one in bugline.yml")
			}
			if adminUser != "" {
				admin, created, err := rt.EnsureAdmin(cmd.Context(), adminUser, adminEmail, adminPassword)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("Created bootstrap admin %s\n", admin.Username)
				}
			}
			if cmd.Flags().Changed("host") {
				rt.Config.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				rt.Config.Server.Port = port
			}
			handler, err := server.New(server.Config{Engine: rt.Engine})
			if err != nil {
				return err
			}
			addr := fmt.Sprintf("%s:%d", rt.Config.Server.Host, rt.Config.Server.Port)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bugline API on http://%s/api/v1 (Swagger UI at /docs)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	cmd.Flags().StringVar(&adminUser, "admin-user", "", "bootstrap admin username (created when no users exist)")
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "bootstrap admin email")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "bootstrap admin password")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d (%s)\n", version, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage accounts"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var username, email, password, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid role %q", role)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.Register(ctx, username, email, password, r)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&role, "role", "developer", "role (developer, manager, admin)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, _, err := rt.Engine.Repo.ListUsers(ctx, repo.UserFilters{Role: domain.Role(role)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Email", "Role", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Email, u.Role, u.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects"}
	prj.AddCommand(projectListCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projects, _, err := rt.Engine.Repo.ListProjects(ctx, repo.ProjectFilters{IncludeArchived: includeArchived})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Archived", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.IsArchived, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "include archived projects")
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Inspect issues"}
	issue.AddCommand(issueListCmd())
	return issue
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.IssueStatus(status)
			f.Priority = domain.IssuePriority(priority)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				issues, _, err := rt.Engine.Repo.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Comments"})
				for _, i := range issues {
					assignee := ""
					if i.AssigneeID != nil {
						assignee = *i.AssigneeID
					}
					tw.AppendRow(table.Row{i.ID, i.Title, i.Status, i.Priority, assignee, i.CommentCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "title/description search")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a small demo dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return seedDemoData(ctx, rt.Engine)
			})
		},
	}
	return cmd
}

func seedDemoData(ctx context.Context, e engine.Engine) error {
	users := []struct {
		username string
		role     domain.Role
	}{
		{"admin", domain.RoleAdmin},
		{"manager", domain.RoleManager},
		{"alice", domain.RoleDeveloper},
		{"bob", domain.RoleDeveloper},
	}
	byName := map[string]domain.User{}
	for _, account := range users {
		u, err := e.Register(ctx, account.username, account.username+"@example.com", "Password1", account.role)
		if err != nil {
			var conflict engine.ConflictError
			if errors.As(err, &conflict) {
				return fmt.Errorf("workspace already seeded (user %s exists)", account.username)
			}
			return err
		}
		byName[account.username] = u
	}
	admin := engine.Principal{UserID: byName["admin"].ID, Role: domain.RoleAdmin}
	alice := engine.Principal{UserID: byName["alice"].ID, Role: domain.RoleDeveloper}
	bob := engine.Principal{UserID: byName["bob"].ID, Role: domain.RoleDeveloper}

	backend, err := e.CreateProject(ctx, admin, "Backend", "API and storage")
	if err != nil {
		return err
	}
	frontend, err := e.CreateProject(ctx, admin, "Frontend", "Web client")
	if err != nil {
		return err
	}

	bobID := byName["bob"].ID
	crash, err := e.CreateIssue(ctx, alice, engine.IssueCreateOptions{
		ProjectID:   backend.ID,
		Title:       "Crash when saving empty report",
		Description: "Submitting a report with no body panics the handler.",
		Priority:    domain.PriorityCritical,
		AssigneeID:  &bobID,
	})
	if err != nil {
		return err
	}
	if _, err := e.AddComment(ctx, bob, crash.ID, "Reproduced on main, bisecting now."); err != nil {
		return err
	}
	inProgress := domain.StatusInProgress
	if _, err := e.UpdateIssue(ctx, bob, crash.ID, engine.IssueUpdateOptions{Status: &inProgress}); err != nil {
		return err
	}
	if _, err := e.CreateIssue(ctx, bob, engine.IssueCreateOptions{
		ProjectID: frontend.ID,
		Title:     "Dark mode flickers on load",
		Priority:  domain.PriorityLow,
	}); err != nil {
		return err
	}
	fmt.Printf("Seeded 4 users, 2 projects, 2 issues (password: Password1)\n")
	return nil
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printUser(u domain.User) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Username", "Email", "Role", "Active"})
	tw.AppendRow(table.Row{u.ID, u.Username, u.Email, u.Role, u.IsActive})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
