package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"paidagent/orchestrator/internal/config"
	"paidagent/orchestrator/internal/model"
	"paidagent/orchestrator/internal/store"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects the engine watches",
}

var projectsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a GitHub repository as a project",
	RunE:  addProject,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active projects",
	RunE:  listProjects,
}

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsListCmd)

	projectsAddCmd.Flags().Int64("account", 0, "Owning account id")
	projectsAddCmd.Flags().Int64("token", 0, "GitHub token id to authenticate as")
	projectsAddCmd.Flags().String("owner", "", "Repository owner")
	projectsAddCmd.Flags().String("repo", "", "Repository name")
	projectsAddCmd.Flags().Int64("github-id", 0, "GitHub repository id")
	projectsAddCmd.Flags().String("default-branch", "main", "Default branch to open pull requests against")
	projectsAddCmd.Flags().Int("poll-interval", 60, "Seconds between poll workflow iterations")
	projectsAddCmd.Flags().Bool("auto-scan-prs", true, "Scan paid-generated pull requests for follow-up triggers")
	projectsAddCmd.Flags().StringSlice("allowed-usernames", nil, "GitHub logins trusted to drive agent runs")
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.Open(cfg.DatabasePath)
}

func addProject(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	accountID, _ := cmd.Flags().GetInt64("account")
	tokenID, _ := cmd.Flags().GetInt64("token")
	owner, _ := cmd.Flags().GetString("owner")
	repo, _ := cmd.Flags().GetString("repo")
	githubID, _ := cmd.Flags().GetInt64("github-id")
	defaultBranch, _ := cmd.Flags().GetString("default-branch")
	pollInterval, _ := cmd.Flags().GetInt("poll-interval")
	autoScanPRs, _ := cmd.Flags().GetBool("auto-scan-prs")
	allowed, _ := cmd.Flags().GetStringSlice("allowed-usernames")

	if owner == "" || repo == "" {
		return fmt.Errorf("--owner and --repo are required")
	}

	project, err := st.CreateProject(context.Background(), model.Project{
		AccountID:              accountID,
		GithubTokenID:          tokenID,
		Owner:                  owner,
		Repo:                   repo,
		GithubID:               githubID,
		DefaultBranch:          defaultBranch,
		Active:                 true,
		PollIntervalSeconds:    pollInterval,
		AutoScanPRs:            autoScanPRs,
		AllowedGithubUsernames: allowed,
		MaxPRFollowupRuns:      10,
	})
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}

	fmt.Printf("created project %d (%s/%s)\n", project.ID, project.Owner, project.Repo)
	return nil
}

func listProjects(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListActiveProjects(context.Background())
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("no active projects")
		return nil
	}
	fmt.Printf("%-6s %-30s %-10s %-8s\n", "ID", "REPOSITORY", "BRANCH", "INTERVAL")
	for _, p := range projects {
		fmt.Printf("%-6d %-30s %-10s %-8ds\n", p.ID, p.Owner+"/"+p.Repo, p.DefaultBranch, p.PollIntervalSeconds)
	}
	return nil
}
