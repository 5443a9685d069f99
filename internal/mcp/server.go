package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/pkg/models"
)

const (
	ServerName     = "autocoder"
	defaultSession = "default"
)

// NewServer creates an MCP server exposing the work queue.
func NewServer(database *db.DB, classifier *blockers.Classifier, version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version)

	// Planning
	s.AddTool(mcp.NewTool("stage_feature",
		mcp.WithDescription("Propose a feature. Staged features are committed together with 'commit_staged_changes'."),
		mcp.WithString("name", mcp.Description("Feature name (unique)"), mcp.Required()),
		mcp.WithString("description", mcp.Description("What the feature must do"), mcp.Required()),
		mcp.WithString("category", mcp.Description("Free-form category")),
		mcp.WithArray("steps", mcp.Description("Acceptance steps"), mcp.WithStringItems()),
		mcp.WithNumber("priority", mcp.Description("Higher is claimed first (default 0)")),
		mcp.WithString("session_id", mcp.Description("Session ID for staging changes (defaults to 'default').")),
	), stageFeatureHandler(database))

	s.AddTool(mcp.NewTool("stage_dependency",
		mcp.WithDescription("Propose a dependency between two features by name. Names resolve against the session first, then stored features."),
		mcp.WithString("feature_name", mcp.Description("Dependent feature"), mcp.Required()),
		mcp.WithString("depends_on_name", mcp.Description("Prerequisite feature"), mcp.Required()),
		mcp.WithString("session_id", mcp.Description("Session ID for staging changes (defaults to 'default').")),
	), stageDependencyHandler(database))

	s.AddTool(mcp.NewTool("list_staged_changes",
		mcp.WithDescription("List the staged changes of a session. Use this to review a plan before committing."),
		mcp.WithString("session_id", mcp.Description("Session ID (defaults to 'default').")),
	), listStagedChangesHandler(database))

	s.AddTool(mcp.NewTool("commit_staged_changes",
		mcp.WithDescription("Commit every staged feature and dependency of a session in one transaction."),
		mcp.WithString("session_id", mcp.Description("Session ID (defaults to 'default').")),
		mcp.WithBoolean("hold", mcp.Description("Create the features as STAGED so they wait for 'enqueue_staged' (default false).")),
	), commitStagedChangesHandler(database))

	s.AddTool(mcp.NewTool("enqueue_staged",
		mcp.WithDescription("Move STAGED features to PENDING in claim order."),
		mcp.WithNumber("limit", mcp.Description("Maximum number to enqueue (default all)")),
	), enqueueStagedHandler(database))

	// Queue
	s.AddTool(mcp.NewTool("list_features",
		mcp.WithDescription("List features in claim order."),
		mcp.WithString("status", mcp.Description("Filter by status (STAGED|PENDING|IN_PROGRESS|DONE|BLOCKED)")),
		mcp.WithString("category", mcp.Description("Filter by category")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of features")),
	), listFeaturesHandler(database))

	s.AddTool(mcp.NewTool("get_feature",
		mcp.WithDescription("Get a single feature by id or name."),
		mcp.WithNumber("id", mcp.Description("Feature id")),
		mcp.WithString("name", mcp.Description("Feature name")),
	), getFeatureHandler(database))

	s.AddTool(mcp.NewTool("delete_feature",
		mcp.WithDescription("Delete a feature and its dependency edges."),
		mcp.WithNumber("id", mcp.Description("Feature id"), mcp.Required()),
	), deleteFeatureHandler(database))

	s.AddTool(mcp.NewTool("queue_stats",
		mcp.WithDescription("Count features by status, including how many are claimable now."),
	), queueStatsHandler(database))

	s.AddTool(mcp.NewTool("claim_feature",
		mcp.WithDescription("Claim the next claimable feature for a worker. Returns an empty list when nothing is claimable."),
		mcp.WithString("worker_id", mcp.Description("Claimant identity"), mcp.Required()),
	), claimFeatureHandler(database))

	s.AddTool(mcp.NewTool("release_feature",
		mcp.WithDescription("Hand a claimed feature back with an outcome."),
		mcp.WithNumber("feature_id", mcp.Description("Feature id"), mcp.Required()),
		mcp.WithString("outcome", mcp.Description("done|retry|blocked|requeue"), mcp.Required()),
		mcp.WithString("worker_id", mcp.Description("Claimant; when set, the release fails if someone else holds the feature")),
		mcp.WithString("notes", mcp.Description("Failure notes, stored as the last error")),
		mcp.WithString("retry_after", mcp.Description("Minimum backoff for a retry, e.g. '15m'")),
	), releaseFeatureHandler(database))

	// Regression testing
	s.AddTool(mcp.NewTool("get_regression_feature",
		mcp.WithDescription("Pick a DONE feature to re-test, favouring the least tested."),
	), getRegressionFeatureHandler(database))

	s.AddTool(mcp.NewTool("report_regression",
		mcp.WithDescription("Report that a DONE feature regressed. Repeated reports refresh the open regression."),
		mcp.WithNumber("regression_of", mcp.Description("Id of the regressed feature"), mcp.Required()),
		mcp.WithString("summary", mcp.Description("One-line summary"), mcp.Required()),
		mcp.WithString("details", mcp.Description("What failed and how to reproduce it")),
	), reportRegressionHandler(database))

	// Blockers
	s.AddTool(mcp.NewTool("blockers_summary",
		mcp.WithDescription("Group stuck features by cause and say which are worth retrying."),
	), blockersSummaryHandler(classifier))

	s.AddTool(mcp.NewTool("retry_blockers",
		mcp.WithDescription("Return blocked features to the queue, staggered."),
		mcp.WithString("mode", mcp.Description("recommended|all|group (default recommended)")),
		mcp.WithString("group", mcp.Description("Group key for mode=group")),
		mcp.WithNumber("max_immediate", mcp.Description("Features released at once before staggering")),
		mcp.WithString("stagger", mcp.Description("Spacing of the remaining features, e.g. '30s'")),
	), retryBlockersHandler(classifier))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

func stageFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
		if name == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		sessionID := mcp.ParseString(request, "session_id", defaultSession)

		f := &models.Feature{
			Name:        name,
			Description: mcp.ParseString(request, "description", ""),
			Category:    mcp.ParseString(request, "category", ""),
			Priority:    mcp.ParseInt(request, "priority", 0),
		}
		if raw, ok := arguments(request)["steps"].([]any); ok {
			for _, step := range raw {
				if s, ok := step.(string); ok && s != "" {
					f.Steps = append(f.Steps, s)
				}
			}
		}

		database.Staging.AddFeature(sessionID, f)
		return mcp.NewToolResultText(fmt.Sprintf("Feature '%s' staged for session '%s'. Propose another or call 'commit_staged_changes' to apply.", name, sessionID)), nil
	}
}

func stageDependencyHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		featureName := mcp.ParseString(request, "feature_name", "")
		dependsOn := mcp.ParseString(request, "depends_on_name", "")
		sessionID := mcp.ParseString(request, "session_id", defaultSession)
		if featureName == "" || dependsOn == "" {
			return mcp.NewToolResultError("feature_name and depends_on_name are required"), nil
		}
		if featureName == dependsOn {
			return mcp.NewToolResultError("a feature cannot depend on itself"), nil
		}

		database.Staging.AddDependency(sessionID, &db.StagedDependency{FeatureName: featureName, DependsOnName: dependsOn})
		return mcp.NewToolResultText(fmt.Sprintf("Dependency %s -> %s staged for session '%s'. Call 'commit_staged_changes' to apply.", featureName, dependsOn, sessionID)), nil
	}
}

func listStagedChangesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", defaultSession)
		items := database.Staging.Peek(sessionID)
		return jsonResult(map[string]any{
			"session_id":   sessionID,
			"features":     items.Features,
			"dependencies": items.Dependencies,
		})
	}
}

func commitStagedChangesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", defaultSession)
		status := models.FeatureStatusPending
		if mcp.ParseBoolean(request, "hold", false) {
			status = models.FeatureStatusStaged
		}

		features, err := database.CommitBatchAs(ctx, sessionID, status)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(features) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("Nothing staged for session '%s'.", sessionID)), nil
		}
		return jsonResult(map[string]any{"committed": features})
	}
}

func enqueueStagedHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := database.EnqueueStaged(ctx, mcp.ParseInt(request, "limit", 0))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Enqueued %d feature(s).", n)), nil
	}
}

func listFeaturesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := db.ListFilter{
			Category: mcp.ParseString(request, "category", ""),
			Limit:    mcp.ParseInt(request, "limit", 0),
		}
		if s := mcp.ParseString(request, "status", ""); s != "" {
			status, err := models.ParseFeatureStatus(s)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			filter.Status = &status
		}

		features, err := database.ListFeatures(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"features": features})
	}
}

func getFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			f   *models.Feature
			err error
		)
		if id := mcp.ParseInt64(request, "id", 0); id > 0 {
			f, err = database.GetFeature(ctx, id)
		} else if name := mcp.ParseString(request, "name", ""); name != "" {
			f, err = database.GetFeatureByName(ctx, name)
		} else {
			return mcp.NewToolResultError("id or name is required"), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if f == nil {
			return mcp.NewToolResultError("Feature not found"), nil
		}
		return jsonResult(f)
	}
}

func deleteFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "id", 0)
		if err := database.DeleteFeature(ctx, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Feature deleted successfully"), nil
	}
}

func queueStatsHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := database.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(stats)
	}
}

func claimFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workerID := mcp.ParseString(request, "worker_id", "")
		features, err := database.ClaimFeatures(ctx, workerID, 1)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"features": features})
	}
}

func releaseFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		outcome, err := models.ParseOutcome(mcp.ParseString(request, "outcome", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		req := models.ReleaseRequest{
			FeatureID: mcp.ParseInt64(request, "feature_id", 0),
			WorkerID:  mcp.ParseString(request, "worker_id", ""),
			Outcome:   outcome,
			Notes:     mcp.ParseString(request, "notes", ""),
		}
		if s := mcp.ParseString(request, "retry_after", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return mcp.NewToolResultError("retry_after: " + err.Error()), nil
			}
			req.RetryAfter = d
		}

		changed, err := database.Release(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !changed {
			return mcp.NewToolResultText(fmt.Sprintf("Feature %d was not in progress; nothing changed.", req.FeatureID)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Feature %d released as %s.", req.FeatureID, outcome)), nil
	}
}

func getRegressionFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f, err := database.GetForRegression(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if f == nil {
			return mcp.NewToolResultText("No DONE features to re-test."), nil
		}
		return jsonResult(f)
	}
}

func reportRegressionHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		regressionOf := mcp.ParseInt64(request, "regression_of", 0)
		summary := mcp.ParseString(request, "summary", "")
		if summary == "" {
			return mcp.NewToolResultError("summary is required"), nil
		}

		id, created, err := database.ReportRegression(ctx, regressionOf, summary, mcp.ParseString(request, "details", ""))
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("Feature %d not found", regressionOf)), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"id": id, "created": created})
	}
}

func blockersSummaryHandler(classifier *blockers.Classifier) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summary, err := classifier.Summarize(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(summary)
	}
}

func retryBlockersHandler(classifier *blockers.Classifier) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mode, err := blockers.ParseRetryMode(mcp.ParseString(request, "mode", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		req := blockers.RetryRequest{
			Mode:         mode,
			GroupKey:     mcp.ParseString(request, "group", ""),
			MaxImmediate: mcp.ParseInt(request, "max_immediate", 0),
		}
		if s := mcp.ParseString(request, "stagger", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return mcp.NewToolResultError("stagger: " + err.Error()), nil
			}
			req.Stagger = d
		}

		res, err := classifier.Retry(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}
