package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/pkg/models"
)

func setupServer(t *testing.T) (*server.MCPServer, *db.DB) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Init(context.Background()); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	return NewServer(database, blockers.New(database, nil), "test"), database
}

func call(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.GetTool(name)
	if tool == nil {
		t.Fatalf("Tool %s not found", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("Handler %s failed: %v", name, err)
	}
	return result
}

func text(result *mcp.CallToolResult) string {
	return result.Content[0].(mcp.TextContent).Text
}

func mustSucceed(t *testing.T, s *server.MCPServer, name string, args map[string]any) string {
	t.Helper()
	result := call(t, s, name, args)
	if result.IsError {
		t.Fatalf("Tool %s returned error: %s", name, text(result))
	}
	return text(result)
}

func TestServerInitialization(t *testing.T) {
	s, _ := setupServer(t)
	stdio := server.NewStdioServer(s)

	r, w := io.Pipe()
	stdout := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- stdio.Listen(ctx, r, stdout)
	}()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}

	rawReq := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params":  initReq.Params,
	}
	data, err := json.Marshal(rawReq)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	w.Write(data)
	w.Write([]byte("\n"))

	time.Sleep(200 * time.Millisecond)
	if stdout.Len() == 0 {
		t.Fatal("Expected response from server, got none")
	}

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			ServerInfo struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v\nOutput: %s", err, stdout.String())
	}
	if resp.ID != 1 {
		t.Errorf("Expected id 1, got %v", resp.ID)
	}
	if resp.Result.ServerInfo.Name != ServerName {
		t.Errorf("Expected server name %s, got %v", ServerName, resp.Result.ServerInfo.Name)
	}
}

func TestPlanningTools(t *testing.T) {
	s, database := setupServer(t)
	ctx := context.Background()

	t.Run("stage and commit", func(t *testing.T) {
		mustSucceed(t, s, "stage_feature", map[string]any{
			"name":        "login",
			"description": "users can log in",
			"steps":       []any{"open /login", "submit credentials"},
			"priority":    3.0,
		})
		mustSucceed(t, s, "stage_feature", map[string]any{"name": "logout", "description": "users can log out"})
		mustSucceed(t, s, "stage_dependency", map[string]any{"feature_name": "logout", "depends_on_name": "login"})

		var staged struct {
			Features     []*models.Feature      `json:"features"`
			Dependencies []*db.StagedDependency `json:"dependencies"`
		}
		if err := json.Unmarshal([]byte(mustSucceed(t, s, "list_staged_changes", nil)), &staged); err != nil {
			t.Fatalf("Failed to unmarshal staged changes: %v", err)
		}
		if len(staged.Features) != 2 || len(staged.Dependencies) != 1 {
			t.Fatalf("Expected 2 features and 1 dependency staged, got %+v", staged)
		}

		mustSucceed(t, s, "commit_staged_changes", nil)

		login, err := database.GetFeatureByName(ctx, "login")
		if err != nil || login == nil {
			t.Fatalf("Feature login not committed: %v", err)
		}
		if login.Priority != 3 || len(login.Steps) != 2 || login.Status != models.FeatureStatusPending {
			t.Errorf("Unexpected committed feature: %+v", login)
		}
		logout, err := database.GetFeatureByName(ctx, "logout")
		if err != nil || logout == nil {
			t.Fatalf("Feature logout not committed: %v", err)
		}
		if len(logout.DependsOn) != 1 || logout.DependsOn[0] != login.ID {
			t.Errorf("Expected logout to depend on login, got %v", logout.DependsOn)
		}
	})

	t.Run("commit nothing", func(t *testing.T) {
		out := mustSucceed(t, s, "commit_staged_changes", map[string]any{"session_id": "empty"})
		if !strings.Contains(out, "Nothing staged") {
			t.Errorf("Unexpected response: %s", out)
		}
	})

	t.Run("hold then enqueue", func(t *testing.T) {
		mustSucceed(t, s, "stage_feature", map[string]any{"name": "later", "description": "d", "session_id": "s2"})
		mustSucceed(t, s, "commit_staged_changes", map[string]any{"session_id": "s2", "hold": true})

		f, err := database.GetFeatureByName(ctx, "later")
		if err != nil || f == nil {
			t.Fatalf("Feature later not committed: %v", err)
		}
		if f.Status != models.FeatureStatusStaged {
			t.Fatalf("Expected STAGED, got %s", f.Status)
		}

		mustSucceed(t, s, "enqueue_staged", nil)
		f, _ = database.GetFeature(ctx, f.ID)
		if f.Status != models.FeatureStatusPending {
			t.Errorf("Expected PENDING after enqueue, got %s", f.Status)
		}
	})

	t.Run("failed commit writes nothing", func(t *testing.T) {
		mustSucceed(t, s, "stage_feature", map[string]any{"name": "orphan", "description": "d", "session_id": "s3"})
		mustSucceed(t, s, "stage_dependency", map[string]any{"feature_name": "orphan", "depends_on_name": "missing", "session_id": "s3"})
		if result := call(t, s, "commit_staged_changes", map[string]any{"session_id": "s3"}); !result.IsError {
			t.Fatal("Expected commit with an unknown dependency to fail")
		}
		if f, _ := database.GetFeatureByName(ctx, "orphan"); f != nil {
			t.Errorf("Expected no feature written by the failed commit")
		}
	})

	t.Run("self dependency", func(t *testing.T) {
		if result := call(t, s, "stage_dependency", map[string]any{"feature_name": "a", "depends_on_name": "a"}); !result.IsError {
			t.Error("Expected a self dependency to be refused")
		}
	})
}

func TestQueueTools(t *testing.T) {
	s, database := setupServer(t)
	ctx := context.Background()

	f := &models.Feature{Name: "api", Description: "d", Category: "backend"}
	if err := database.CreateFeature(ctx, f); err != nil {
		t.Fatalf("Failed to create feature: %v", err)
	}

	t.Run("list_features", func(t *testing.T) {
		var resp struct {
			Features []*models.Feature `json:"features"`
		}
		out := mustSucceed(t, s, "list_features", map[string]any{"status": "pending", "category": "backend"})
		if err := json.Unmarshal([]byte(out), &resp); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if len(resp.Features) != 1 || resp.Features[0].ID != f.ID {
			t.Errorf("Expected the backend feature, got %+v", resp.Features)
		}
		if result := call(t, s, "list_features", map[string]any{"status": "sideways"}); !result.IsError {
			t.Error("Expected unknown status to fail")
		}
	})

	t.Run("get_feature", func(t *testing.T) {
		var got models.Feature
		if err := json.Unmarshal([]byte(mustSucceed(t, s, "get_feature", map[string]any{"name": "api"})), &got); err != nil {
			t.Fatalf("Failed to unmarshal feature: %v", err)
		}
		if got.ID != f.ID {
			t.Errorf("Expected feature %d, got %d", f.ID, got.ID)
		}
		if result := call(t, s, "get_feature", map[string]any{"id": 999.0}); !result.IsError {
			t.Error("Expected missing feature to fail")
		}
		if result := call(t, s, "get_feature", nil); !result.IsError {
			t.Error("Expected a lookup without id or name to fail")
		}
	})

	t.Run("claim and release", func(t *testing.T) {
		var claimed struct {
			Features []*models.Feature `json:"features"`
		}
		out := mustSucceed(t, s, "claim_feature", map[string]any{"worker_id": "agent-7"})
		if err := json.Unmarshal([]byte(out), &claimed); err != nil {
			t.Fatalf("Failed to unmarshal claim: %v", err)
		}
		if len(claimed.Features) != 1 {
			t.Fatalf("Expected one claimed feature, got %d", len(claimed.Features))
		}

		if result := call(t, s, "release_feature", map[string]any{"feature_id": float64(f.ID), "outcome": "done", "worker_id": "agent-8"}); !result.IsError {
			t.Error("Expected a release by another worker to fail")
		}
		if result := call(t, s, "release_feature", map[string]any{"feature_id": float64(f.ID), "outcome": "finished"}); !result.IsError {
			t.Error("Expected an unknown outcome to fail")
		}

		mustSucceed(t, s, "release_feature", map[string]any{"feature_id": float64(f.ID), "outcome": "done", "worker_id": "agent-7"})
		got, _ := database.GetFeature(ctx, f.ID)
		if got.Status != models.FeatureStatusDone {
			t.Errorf("Expected DONE, got %s", got.Status)
		}

		out = mustSucceed(t, s, "release_feature", map[string]any{"feature_id": float64(f.ID), "outcome": "done"})
		if !strings.Contains(out, "nothing changed") {
			t.Errorf("Expected a repeated release to be a no-op, got %s", out)
		}
	})

	t.Run("queue_stats", func(t *testing.T) {
		var stats models.QueueStats
		if err := json.Unmarshal([]byte(mustSucceed(t, s, "queue_stats", nil)), &stats); err != nil {
			t.Fatalf("Failed to unmarshal stats: %v", err)
		}
		if stats.Done != 1 {
			t.Errorf("Expected 1 DONE, got %+v", stats)
		}
	})

	t.Run("regressions", func(t *testing.T) {
		var picked models.Feature
		if err := json.Unmarshal([]byte(mustSucceed(t, s, "get_regression_feature", nil)), &picked); err != nil {
			t.Fatalf("Failed to unmarshal regression pick: %v", err)
		}
		if picked.ID != f.ID {
			t.Errorf("Expected feature %d picked, got %d", f.ID, picked.ID)
		}

		args := map[string]any{"regression_of": float64(f.ID), "summary": "500 on GET /api"}
		var first, second struct {
			ID      int64 `json:"id"`
			Created bool  `json:"created"`
		}
		json.Unmarshal([]byte(mustSucceed(t, s, "report_regression", args)), &first)
		json.Unmarshal([]byte(mustSucceed(t, s, "report_regression", args)), &second)
		if !first.Created || second.Created || first.ID != second.ID {
			t.Errorf("Expected the second report to refresh the first, got %+v then %+v", first, second)
		}

		if result := call(t, s, "report_regression", map[string]any{"regression_of": 999.0, "summary": "x"}); !result.IsError {
			t.Error("Expected a report against a missing feature to fail")
		}
	})

	t.Run("delete_feature", func(t *testing.T) {
		mustSucceed(t, s, "delete_feature", map[string]any{"id": float64(f.ID)})
		if result := call(t, s, "delete_feature", map[string]any{"id": float64(f.ID)}); !result.IsError {
			t.Error("Expected deleting twice to fail")
		}
	})
}

func TestBlockerTools(t *testing.T) {
	s, database := setupServer(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"a", "b", "c"} {
		f := &models.Feature{Name: name}
		if err := database.CreateFeature(ctx, f); err != nil {
			t.Fatalf("Failed to create feature: %v", err)
		}
		ids = append(ids, f.ID)
	}
	if _, err := database.BlockFeatures(ctx, ids, models.BlockedOperator, "HTTP 503 service unavailable"); err != nil {
		t.Fatalf("Failed to block features: %v", err)
	}

	var summary blockers.Summary
	if err := json.Unmarshal([]byte(mustSucceed(t, s, "blockers_summary", nil)), &summary); err != nil {
		t.Fatalf("Failed to unmarshal summary: %v", err)
	}
	g, ok := summary.Group("transient:server_error")
	if !ok || len(g.Blockers) != 3 || !g.Recommended {
		t.Fatalf("Expected one recommended server_error group of 3, got %+v", summary.Groups)
	}

	if result := call(t, s, "retry_blockers", map[string]any{"stagger": "often"}); !result.IsError {
		t.Error("Expected a bad stagger to fail")
	}

	var res blockers.RetryResult
	out := mustSucceed(t, s, "retry_blockers", map[string]any{"mode": "group", "group": g.Key, "max_immediate": 1.0, "stagger": "1m"})
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("Failed to unmarshal retry result: %v", err)
	}
	if res.Requeued != 3 || len(res.Schedule) != 3 {
		t.Fatalf("Expected 3 requeued, got %+v", res)
	}
	if !res.Schedule[0].NotBefore.IsZero() || res.Schedule[1].NotBefore.IsZero() {
		t.Errorf("Expected only the first feature released at once, got %+v", res.Schedule)
	}
}
