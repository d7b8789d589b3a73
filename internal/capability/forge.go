package capability

import (
	"context"
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// splitRepo splits an "owner/repo" string, falling back to the default
// owner for unqualified names.
func splitRepo(repo, defaultOwner string) (string, string, error) {
	if !strings.Contains(repo, "/") {
		if defaultOwner == "" {
			return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
		}
		return defaultOwner, repo, nil
	}
	parts := strings.SplitN(repo, "/", 2)
	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// SetForge registers the GitHub capabilities. owner is the default
// account for unqualified repository names.
func (r *Registry) SetForge(client *gogithub.Client, owner string) {
	r.Register(&Capability{
		Name:        "github_list_repos",
		Description: "List the user's GitHub repositories, most recently pushed first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum repositories to return (default 10)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleListRepos(ctx, client, args)
		},
	})

	r.Register(&Capability{
		Name:        "github_create_issue",
		Description: "Open a GitHub issue in a repository. Use when the user asks to file a bug or note a task on GitHub.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo": map[string]any{
					"type":        "string",
					"description": "Repository as owner/repo, or bare repo name for the default owner",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Issue title",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Issue body",
				},
			},
			"required": []string{"repo", "title"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleCreateIssue(ctx, client, owner, args)
		},
	})

	r.Register(&Capability{
		Name:        "github_list_issues",
		Description: "List open issues in a GitHub repository.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo": map[string]any{
					"type":        "string",
					"description": "Repository as owner/repo, or bare repo name for the default owner",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum issues to return (default 10)",
				},
			},
			"required": []string{"repo"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleListIssues(ctx, client, owner, args)
		},
	})
}

func handleListRepos(ctx context.Context, client *gogithub.Client, args map[string]any) (string, error) {
	limit := optIntArg(args, "limit", 10)

	repos, _, err := client.Repositories.ListByAuthenticatedUser(ctx, &gogithub.RepositoryListByAuthenticatedUserOptions{
		Sort:        "pushed",
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return "", fmt.Errorf("list repos: %w", err)
	}
	if len(repos) == 0 {
		return "No repositories found.", nil
	}

	var sb strings.Builder
	for _, repo := range repos {
		fmt.Fprintf(&sb, "- %s", repo.GetFullName())
		if desc := repo.GetDescription(); desc != "" {
			fmt.Fprintf(&sb, ": %s", desc)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func handleCreateIssue(ctx context.Context, client *gogithub.Client, defaultOwner string, args map[string]any) (string, error) {
	repo, err := stringArg(args, "repo")
	if err != nil {
		return "", err
	}
	title, err := stringArg(args, "title")
	if err != nil {
		return "", err
	}
	body := optStringArg(args, "body", "")

	owner, name, err := splitRepo(repo, defaultOwner)
	if err != nil {
		return "", err
	}

	issue, _, err := client.Issues.Create(ctx, owner, name, &gogithub.IssueRequest{
		Title: &title,
		Body:  &body,
	})
	if err != nil {
		return "", fmt.Errorf("create issue: %w", err)
	}
	return fmt.Sprintf("Created issue #%d: %s", issue.GetNumber(), issue.GetHTMLURL()), nil
}

func handleListIssues(ctx context.Context, client *gogithub.Client, defaultOwner string, args map[string]any) (string, error) {
	repo, err := stringArg(args, "repo")
	if err != nil {
		return "", err
	}
	limit := optIntArg(args, "limit", 10)

	owner, name, err := splitRepo(repo, defaultOwner)
	if err != nil {
		return "", err
	}

	issues, _, err := client.Issues.ListByRepo(ctx, owner, name, &gogithub.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return "", fmt.Errorf("list issues: %w", err)
	}
	if len(issues) == 0 {
		return fmt.Sprintf("No open issues in %s/%s.", owner, name), nil
	}

	var sb strings.Builder
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		fmt.Fprintf(&sb, "- #%d %s\n", issue.GetNumber(), issue.GetTitle())
	}
	return sb.String(), nil
}
