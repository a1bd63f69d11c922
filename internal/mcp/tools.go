package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/vlhc/tunelab/internal/jobmanager"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/scheduler"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("tunelab_job_status",
			mcplib.WithDescription(`Look up one tune job.

Returns the job row (lab, group, status, merged event count, fit, reschedules)
and the agents currently working on it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("job_id", mcplib.Description("Job identifier"), mcplib.Required(), mcplib.Min(1)),
		),
		s.handleJobStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tunelab_agents",
			mcplib.WithDescription(`List worker agents with their state, bound job and failure counters.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("group", mcplib.Description("Only agents of this group")),
			mcplib.WithBoolean("online_only", mcplib.Description("Skip offline agents"), mcplib.DefaultBool(false)),
		),
		s.handleAgents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tunelab_group_usage",
			mcplib.WithDescription(`Report per-group agent usage and the scheduler queue.

For each group: online agents, free agents, busy agents, jobs holding agents,
and the fair share a newly queued job would receive.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("group", mcplib.Description("Only this group")),
		),
		s.handleGroupUsage,
	)
}

// JobStatus is the result of tunelab_job_status.
type JobStatus struct {
	Job    *model.Job `json:"job"`
	Agents []string   `json:"agents"`
}

func (s *Server) handleJobStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := int64(request.GetInt("job_id", 0))
	if id <= 0 {
		return errorResult("job_id is required"), nil
	}
	j, err := s.mon.Job(ctx, id)
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		return errorResult(fmt.Sprintf("job %d not found", id)), nil
	}
	if err != nil {
		s.logger.Error("mcp: load job", "job", id, "error", err)
		return errorResult("failed to load job"), nil
	}
	out := JobStatus{Job: j, Agents: []string{}}
	for _, a := range s.mon.Agents() {
		if a.ActiveJob == id {
			out.Agents = append(out.Agents, a.UUID)
		}
	}
	slices.Sort(out.Agents)
	return jsonResult(out)
}

func (s *Server) handleAgents(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	group := request.GetString("group", "")
	online := request.GetBool("online_only", false)
	out := make([]*model.Agent, 0)
	for _, a := range s.mon.Agents() {
		if group != "" && a.Group != group {
			continue
		}
		if online && !a.Online() {
			continue
		}
		out = append(out, a)
	}
	return jsonResult(out)
}

// GroupUsage is one entry of tunelab_group_usage.
type GroupUsage struct {
	Group     string `json:"group"`
	FairShare int    `json:"fairShare"`
	Queued    int    `json:"queued"`
	scheduler.Usage
}

func (s *Server) handleGroupUsage(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	only := request.GetString("group", "")
	o := s.mon.Overview()
	queued := make(map[string]int)
	for _, e := range o.Queue {
		queued[e.Group]++
	}
	out := make([]GroupUsage, 0, len(o.Groups))
	for g, u := range o.Groups {
		if only != "" && g != only {
			continue
		}
		out = append(out, GroupUsage{Group: g, FairShare: u.FairShare(), Queued: queued[g], Usage: u})
	}
	slices.SortFunc(out, func(a, b GroupUsage) int {
		switch {
		case a.Group < b.Group:
			return -1
		case a.Group > b.Group:
			return 1
		}
		return 0
	})
	return jsonResult(out)
}
