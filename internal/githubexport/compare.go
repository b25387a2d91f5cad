// internal/githubexport/compare.go
package githubexport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v58/github"

	"github.com/vibesdk/vibesdk/internal/workspace"
)

// CheckRemoteStatus compares the remote branch history against the local one.
// Messages are compared trimmed, oldest first; the synthetic deploy-button
// commit on the remote side is ignored.
func (e *Exporter) CheckRemoteStatus(ctx context.Context, objects []workspace.ExportedObject, branch string) (*RemoteStatus, error) {
	ws, err := buildLocalWorkspace(ctx, objects, e.logger)
	if err != nil {
		return nil, err
	}
	local := ws.Log(0)
	reverse(local)
	localMessages := make([]string, 0, len(local))
	for _, c := range local {
		localMessages = append(localMessages, strings.TrimSpace(c.Message))
	}

	if branch == "" {
		branch = ws.Branch()
	}
	var remoteMessages []string
	opts := &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		commits, resp, err := e.client.Repositories.ListCommits(ctx, e.owner, e.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list remote commits: %w", err)
		}
		for _, rc := range commits {
			msg := strings.TrimSpace(rc.GetCommit().GetMessage())
			if msg == DeployButtonCommitMessage {
				continue
			}
			remoteMessages = append(remoteMessages, msg)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	// ListCommits returns newest first.
	for i, j := 0, len(remoteMessages)-1; i < j; i, j = i+1, j-1 {
		remoteMessages[i], remoteMessages[j] = remoteMessages[j], remoteMessages[i]
	}

	status := &RemoteStatus{Compatible: true}
	shared := 0
	for shared < len(localMessages) && shared < len(remoteMessages) {
		if localMessages[shared] != remoteMessages[shared] {
			break
		}
		shared++
	}
	status.AheadBy = len(localMessages) - shared
	status.BehindBy = len(remoteMessages) - shared
	if shared < len(remoteMessages) && shared < len(localMessages) {
		status.Compatible = false
		for i := shared; i < len(remoteMessages); i++ {
			status.DivergedCommits = append(status.DivergedCommits, remoteMessages[i])
		}
	}
	return status, nil
}
