package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/replica"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type storeInput struct {
	Context    string   `json:"context" jsonschema:"Namespace the key belongs to, e.g. goals or conversation"`
	Key        string   `json:"key" jsonschema:"Key within the context"`
	Value      string   `json:"value" jsonschema:"Value to remember"`
	TTL        string   `json:"ttl,omitempty" jsonschema:"Lifetime as a Go duration (90s, 24h) or infinite. Defaults to the node setting"`
	Importance *float64 `json:"importance,omitempty" jsonschema:"Importance in [0,1]. Entries above the high-importance threshold are extended instead of expiring"`
}

type storeOutput struct {
	Stored bool     `json:"stored" jsonschema:"True when every replica acknowledged the write"`
	Failed []string `json:"failed_nodes,omitempty" jsonschema:"Nodes that did not acknowledge"`
}

type keyInput struct {
	Context string `json:"context" jsonschema:"Namespace the key belongs to"`
	Key     string `json:"key" jsonschema:"Key within the context"`
}

type retrieveOutput struct {
	Found bool   `json:"found" jsonschema:"False when the key is absent or expired"`
	Value string `json:"value,omitempty" jsonschema:"Stored value"`
}

type forgetOutput struct {
	Forgotten bool     `json:"forgotten" jsonschema:"True when every replica dropped the key"`
	Failed    []string `json:"failed_nodes,omitempty" jsonschema:"Nodes that may still hold the key"`
}

type contextInput struct {
	Context string `json:"context" jsonschema:"Namespace to operate on"`
}

type clearOutput struct {
	Cleared bool     `json:"cleared" jsonschema:"True when every member cleared the context"`
	Failed  []string `json:"failed_nodes,omitempty" jsonschema:"Members that may still hold keys of the context"`
}

type listEntry struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	CreatedAt  string  `json:"created_at" jsonschema:"RFC 3339 creation time"`
	ExpiresAt  string  `json:"expires_at,omitempty" jsonschema:"RFC 3339 expiry. Absent for entries that never expire"`
	Importance float64 `json:"importance"`
}

type listOutput struct {
	Entries []listEntry `json:"entries" jsonschema:"Live entries, most recent and important first"`
	Failed  []string    `json:"failed_nodes,omitempty" jsonschema:"Members that could not be reached. Their entries may be missing"`
}

type searchInput struct {
	Query     string  `json:"query" jsonschema:"Text to match against keys and values"`
	Threshold float64 `json:"threshold,omitempty" jsonschema:"Minimum score in [0,1]"`
	Limit     int     `json:"limit,omitempty" jsonschema:"Maximum results (default: 10)"`
	Mode      string  `json:"mode,omitempty" jsonschema:"lexical, semantic or hybrid. Defaults to the node setting"`
}

type searchResult struct {
	Context string  `json:"context"`
	Key     string  `json:"key"`
	Value   string  `json:"value"`
	Score   float64 `json:"score"`
}

type searchOutput struct {
	Results []searchResult `json:"results" jsonschema:"Matches ordered by descending score"`
	Failed  []string       `json:"failed_nodes,omitempty" jsonschema:"Members that could not be searched"`
}

type flushInput struct{}

type flushOutput struct {
	Flushed bool `json:"flushed"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_store",
		Description: "Store a value under (context, key) on every replica",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args storeInput) (*mcp.CallToolResult, storeOutput, error) {
		ctx = logging.WithMemoryContext(ctx, args.Context)
		done := s.track(ctx, "memory_store")
		if err := requireFields(args.Context, args.Key); err != nil {
			return nil, storeOutput{}, done(err)
		}
		var opts []replica.StoreOption
		if args.TTL != "" {
			ttl, err := parseTTL(args.TTL)
			if err != nil {
				return nil, storeOutput{}, done(err)
			}
			opts = append(opts, replica.WithTTL(ttl))
		}
		if args.Importance != nil {
			opts = append(opts, replica.WithImportance(*args.Importance))
		}

		err := s.memory.Store(ctx, args.Context, args.Key, []byte(args.Value), opts...)
		if err != nil {
			err = done(fmt.Errorf("store failed: %w", err))
			if failed := failedNodes(err); failed != nil {
				out := storeOutput{Failed: failed}
				return toolError(err, out), out, nil
			}
			return nil, storeOutput{}, err
		}
		done(nil)
		return textResult("Stored %s/%s", args.Context, args.Key), storeOutput{Stored: true}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_retrieve",
		Description: "Read the value stored under (context, key)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args keyInput) (*mcp.CallToolResult, retrieveOutput, error) {
		ctx = logging.WithMemoryContext(ctx, args.Context)
		done := s.track(ctx, "memory_retrieve")
		if err := requireFields(args.Context, args.Key); err != nil {
			return nil, retrieveOutput{}, done(err)
		}
		value, found, err := s.memory.Retrieve(ctx, args.Context, args.Key)
		if err != nil {
			return nil, retrieveOutput{}, done(fmt.Errorf("retrieve failed: %w", err))
		}
		done(nil)
		if !found {
			return textResult("No entry for %s/%s", args.Context, args.Key), retrieveOutput{}, nil
		}
		return textResult("%s", value), retrieveOutput{Found: true, Value: string(value)}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_forget",
		Description: "Delete (context, key) from every replica",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args keyInput) (*mcp.CallToolResult, forgetOutput, error) {
		ctx = logging.WithMemoryContext(ctx, args.Context)
		done := s.track(ctx, "memory_forget")
		if err := requireFields(args.Context, args.Key); err != nil {
			return nil, forgetOutput{}, done(err)
		}
		if err := s.memory.Forget(ctx, args.Context, args.Key); err != nil {
			err = done(fmt.Errorf("forget failed: %w", err))
			if failed := failedNodes(err); failed != nil {
				out := forgetOutput{Failed: failed}
				return toolError(err, out), out, nil
			}
			return nil, forgetOutput{}, err
		}
		done(nil)
		return textResult("Forgot %s/%s", args.Context, args.Key), forgetOutput{Forgotten: true}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_clear_context",
		Description: "Delete every key of a context on every member",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args contextInput) (*mcp.CallToolResult, clearOutput, error) {
		ctx = logging.WithMemoryContext(ctx, args.Context)
		done := s.track(ctx, "memory_clear_context")
		if err := requireFields(args.Context, "-"); err != nil {
			return nil, clearOutput{}, done(err)
		}
		if err := s.memory.ClearContext(ctx, args.Context); err != nil {
			err = done(fmt.Errorf("clear failed: %w", err))
			if failed := failedNodes(err); failed != nil {
				out := clearOutput{Failed: failed}
				return toolError(err, out), out, nil
			}
			return nil, clearOutput{}, err
		}
		done(nil)
		return textResult("Cleared %s", args.Context), clearOutput{Cleared: true}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_list",
		Description: "List the live entries of a context, most recent and important first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args contextInput) (*mcp.CallToolResult, listOutput, error) {
		ctx = logging.WithMemoryContext(ctx, args.Context)
		done := s.track(ctx, "memory_list")
		if err := requireFields(args.Context, "-"); err != nil {
			return nil, listOutput{}, done(err)
		}
		entries, err := s.memory.ListContext(ctx, args.Context)
		failed, err := s.tolerate(ctx, err)
		if err != nil {
			return nil, listOutput{}, done(fmt.Errorf("list failed: %w", err))
		}
		done(nil)

		out := listOutput{Entries: make([]listEntry, 0, len(entries)), Failed: failed}
		for _, e := range entries {
			le := listEntry{
				Key:        e.Key,
				Value:      string(e.Value),
				CreatedAt:  e.CreatedAt.Format(time.RFC3339Nano),
				Importance: e.Importance,
			}
			if !e.ExpiresAt.IsZero() {
				le.ExpiresAt = e.ExpiresAt.Format(time.RFC3339Nano)
			}
			out.Entries = append(out.Entries, le)
		}
		return textResult("%d entries in %s", len(out.Entries), args.Context), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search keys and values across the cluster by similarity",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
		done := s.track(ctx, "memory_search")
		if strings.TrimSpace(args.Query) == "" {
			return nil, searchOutput{}, done(errors.New("invalid input: query is required"))
		}
		mode, err := parseMode(args.Mode)
		if err != nil {
			return nil, searchOutput{}, done(err)
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 10
		}

		results, err := s.memory.SearchMode(ctx, search.Request{
			Query:     args.Query,
			Threshold: args.Threshold,
			Limit:     limit,
			Mode:      mode,
		})
		failed, err := s.tolerate(ctx, err)
		if err != nil {
			return nil, searchOutput{}, done(fmt.Errorf("search failed: %w", err))
		}
		done(nil)

		out := searchOutput{Results: make([]searchResult, 0, len(results)), Failed: failed}
		var b strings.Builder
		fmt.Fprintf(&b, "Found %d results", len(results))
		for _, r := range results {
			out.Results = append(out.Results, searchResult{Context: r.Context, Key: r.Key, Value: string(r.Value), Score: r.Score})
			fmt.Fprintf(&b, "\n%.3f %s/%s", r.Score, r.Context, r.Key)
		}
		return textResult("%s", b.String()), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_flush",
		Description: "Write this node's snapshot now",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args flushInput) (*mcp.CallToolResult, flushOutput, error) {
		done := s.track(ctx, "memory_flush")
		if err := s.memory.Flush(ctx); err != nil {
			return nil, flushOutput{}, done(fmt.Errorf("flush failed: %w", err))
		}
		done(nil)
		return textResult("Snapshot written"), flushOutput{Flushed: true}, nil
	})
}

// track records one tool invocation. The returned func ends it and passes
// err through.
func (s *Server) track(ctx context.Context, tool string) func(error) error {
	s.log.Trace(ctx, "tool invoked", zap.String("tool", tool))
	done := s.metrics.Begin(ctx, tool)
	return func(err error) error {
		done(err)
		if err != nil {
			s.log.Debug(ctx, "tool failed", zap.String("tool", tool), zap.Error(err))
		}
		return err
	}
}

// tolerate turns a partial fan-out failure into a list of unreachable
// nodes. Any other error is returned unchanged.
func (s *Server) tolerate(ctx context.Context, err error) ([]string, error) {
	if err == nil {
		return nil, nil
	}
	var re *replica.ReplicationError
	if errors.As(err, &re) && len(re.Succeeded) > 0 {
		s.log.Warn(ctx, "partial results", zap.String("op", re.Op), zap.Strings("failed", re.Failed))
		return re.Failed, nil
	}
	return nil, err
}

// failedNodes returns the nodes named by a *replica.ReplicationError in err.
func failedNodes(err error) []string {
	var re *replica.ReplicationError
	if errors.As(err, &re) && len(re.Failed) > 0 {
		return re.Failed
	}
	return nil
}

// toolError reports err to the client while still returning out.
func toolError(err error, out any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError:           true,
		Content:           []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		StructuredContent: out,
	}
}

func requireFields(memCtx, key string) error {
	if strings.TrimSpace(memCtx) == "" {
		return errors.New("invalid input: context is required")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("invalid input: key is required")
	}
	return nil
}

func parseTTL(s string) (memstore.TTL, error) {
	if strings.EqualFold(s, "infinite") {
		return memstore.Infinite, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid ttl %q: must be non-negative or infinite", s)
	}
	return memstore.TTL(d), nil
}

func parseMode(s string) (search.Mode, error) {
	if s == "" {
		return "", nil
	}
	mode, err := search.ParseMode(s)
	if err != nil {
		return "", fmt.Errorf("invalid mode: %w", err)
	}
	return mode, nil
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}
