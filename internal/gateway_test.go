package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "prefix only", raw: APIKeyPrefix},
		{name: "typical key", raw: "drn_abc123xyz"},
		{name: "long key", raw: "drn_" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashKey(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashKey(%q) = %q, want %q", tt.raw, got, want)
			}
			if len(got) != 64 {
				t.Errorf("HashKey len = %d, want 64", len(got))
			}
		})
	}

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		if HashKey("key") != HashKey("key") {
			t.Error("HashKey is not deterministic")
		}
	})

	t.Run("distinct inputs produce distinct hashes", func(t *testing.T) {
		t.Parallel()
		if HashKey("key1") == HashKey("key2") {
			t.Error("distinct inputs produced same hash")
		}
	})
}

func TestContentText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain string", raw: `"hello"`, want: "hello"},
		{name: "empty string", raw: `""`, want: ""},
		{name: "nil content", raw: ``, want: ""},
		{name: "single text part", raw: `[{"type":"text","text":"hi"}]`, want: "hi"},
		{name: "multiple text parts concatenate", raw: `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, want: "ab"},
		{name: "image parts skipped", raw: `[{"type":"text","text":"see: "},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]`, want: "see: "},
		{name: "malformed", raw: `{nope`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ContentText(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("ContentText(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestContentParts(t *testing.T) {
	t.Parallel()

	t.Run("bare string becomes one text part", func(t *testing.T) {
		t.Parallel()
		parts, err := ContentParts(json.RawMessage(`"hello"`))
		if err != nil {
			t.Fatalf("ContentParts: %v", err)
		}
		if len(parts) != 1 || parts[0].Type != "text" || parts[0].Text != "hello" {
			t.Errorf("parts = %+v, want single text part", parts)
		}
	})

	t.Run("typed parts decode", func(t *testing.T) {
		t.Parallel()
		raw := `[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA","detail":"low"}}]`
		parts, err := ContentParts(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("ContentParts: %v", err)
		}
		if len(parts) != 2 {
			t.Fatalf("len(parts) = %d, want 2", len(parts))
		}
		if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
			t.Errorf("image part = %+v", parts[1])
		}
	})

	t.Run("malformed returns error", func(t *testing.T) {
		t.Parallel()
		if _, err := ContentParts(json.RawMessage(`12`)); err == nil {
			t.Error("expected error for numeric content")
		}
	})
}

func TestHasToolTurns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msgs []Message
		want bool
	}{
		{name: "empty", msgs: nil, want: false},
		{name: "plain conversation", msgs: []Message{{Role: "user", Content: json.RawMessage(`"hi"`)}}, want: false},
		{name: "tool role present", msgs: []Message{{Role: "user"}, {Role: "tool", ToolCallID: "c1"}}, want: true},
		{name: "assistant tool_calls present", msgs: []Message{{Role: "assistant", ToolCalls: json.RawMessage(`[{"id":"c1"}]`)}}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HasToolTurns(tt.msgs); got != tt.want {
				t.Errorf("HasToolTurns = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnifyFinishReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "stop", want: FinishCompleted},
		{raw: "length", want: FinishLengthLimit},
		{raw: "content_filter", want: FinishContentFilter},
		{raw: "tool_calls", want: FinishToolCalls},
		{raw: "", want: FinishUnknown},
		{raw: "banana", want: FinishUnknown},
	}

	for _, tt := range tests {
		t.Run("raw="+tt.raw, func(t *testing.T) {
			t.Parallel()
			if got := UnifyFinishReason(tt.raw); got != tt.want {
				t.Errorf("UnifyFinishReason(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMappingKey(t *testing.T) {
	t.Parallel()
	if got := MappingKey("openai", "gpt-4o"); got != "openai/gpt-4o" {
		t.Errorf("MappingKey = %q, want openai/gpt-4o", got)
	}
}

func TestValidators(t *testing.T) {
	t.Parallel()

	t.Run("roles", func(t *testing.T) {
		t.Parallel()
		for _, r := range []string{"system", "user", "assistant", "tool", "developer"} {
			if !KnownRole(r) {
				t.Errorf("KnownRole(%q) = false, want true", r)
			}
		}
		if KnownRole("robot") {
			t.Error("KnownRole(robot) = true, want false")
		}
	})

	t.Run("efforts", func(t *testing.T) {
		t.Parallel()
		for _, e := range []string{EffortMinimal, EffortLow, EffortMedium, EffortHigh} {
			if !ValidEffort(e) {
				t.Errorf("ValidEffort(%q) = false, want true", e)
			}
		}
		if ValidEffort("extreme") {
			t.Error("ValidEffort(extreme) = true, want false")
		}
	})

	t.Run("rule types", func(t *testing.T) {
		t.Parallel()
		for _, rt := range []string{RuleAllowModels, RuleDenyModels, RuleAllowProviders, RuleDenyProviders, RuleAllowPricing, RuleDenyPricing} {
			if !ValidRuleType(rt) {
				t.Errorf("ValidRuleType(%q) = false, want true", rt)
			}
		}
		if ValidRuleType("allow_everything") {
			t.Error("ValidRuleType(allow_everything) = true, want false")
		}
	})
}

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
	}{
		{name: "non-empty", id: "req-abc-123"},
		{name: "empty string", id: ""},
		{name: "uuid-like", id: "018f1b2c-3d4e-7a5b-8c9d-0e1f2a3b4c5d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithRequestID(context.Background(), tt.id)
			got := RequestIDFromContext(ctx)
			if got != tt.id {
				t.Errorf("RequestIDFromContext = %q, want %q", got, tt.id)
			}
		})
	}

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		got := RequestIDFromContext(context.Background())
		if got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func TestContextWithIdentity_IdentityFromContext(t *testing.T) {
	t.Parallel()

	t.Run("set on bare context", func(t *testing.T) {
		t.Parallel()
		id := &Identity{KeyID: "key-1", OrgID: "org-1"}
		ctx := ContextWithIdentity(context.Background(), id)
		got := IdentityFromContext(ctx)
		if got != id {
			t.Errorf("IdentityFromContext = %v, want %v", got, id)
		}
	})

	t.Run("mutates existing meta", func(t *testing.T) {
		t.Parallel()
		// Simulate middleware: requestID set first, identity added later.
		ctx := ContextWithRequestID(context.Background(), "req-xyz")
		id := &Identity{KeyID: "key-2", ProjectID: "proj-1"}
		ctx2 := ContextWithIdentity(ctx, id)
		// Same context pointer (no new WithValue).
		if ctx2 != ctx {
			t.Error("ContextWithIdentity should return same ctx when meta already present")
		}
		if got := IdentityFromContext(ctx2); got != id {
			t.Errorf("IdentityFromContext = %v, want %v", got, id)
		}
		// Request ID must still be intact.
		if got := RequestIDFromContext(ctx2); got != "req-xyz" {
			t.Errorf("RequestIDFromContext after ContextWithIdentity = %q, want req-xyz", got)
		}
	})

	t.Run("nil identity", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithIdentity(context.Background(), nil)
		if got := IdentityFromContext(ctx); got != nil {
			t.Errorf("expected nil identity, got %v", got)
		}
	})

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := IdentityFromContext(context.Background()); got != nil {
			t.Errorf("IdentityFromContext on bare ctx = %v, want nil", got)
		}
	})
}

func TestMetaFromContext(t *testing.T) {
	t.Parallel()

	t.Run("nil on bare context", func(t *testing.T) {
		t.Parallel()
		if m := metaFromContext(context.Background()); m != nil {
			t.Errorf("expected nil, got %v", m)
		}
	})

	t.Run("returns stored meta", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "r1")
		m := metaFromContext(ctx)
		if m == nil {
			t.Fatal("expected non-nil meta")
		}
		if m.RequestID != "r1" {
			t.Errorf("RequestID = %q, want r1", m.RequestID)
		}
	})

	t.Run("mutation visible through same ctx", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "r2")
		m := metaFromContext(ctx)
		id := &Identity{KeyID: "mutated"}
		m.Identity = id
		if got := IdentityFromContext(ctx); got != id {
			t.Errorf("mutated identity not visible: got %v", got)
		}
	})
}
