package engine

import (
	"testing"
)

func TestExtractActionObjects(t *testing.T) {
	text := "Sure, I'll do that.\n" +
		`{"type":"think","content":"look at {braces} in strings"}` + "\n" +
		"some trailing prose {not json here}\n" +
		`{"tool":"run_cmd","args":{"command":"ls"}}`
	got := extractActionObjects(text)
	if len(got) != 2 {
		t.Fatalf("got %d objects: %v", len(got), got)
	}
	if got[0] != `{"type":"think","content":"look at {braces} in strings"}` {
		t.Fatalf("first object = %s", got[0])
	}
}

func TestExtractActionObjectsIgnoresPlainObjects(t *testing.T) {
	got := extractActionObjects(`{"foo":1} {"type":"respond","content":"done"}`)
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestParseActionJSONRepairsEscapes(t *testing.T) {
	raw := `{"type":"call_tool","tool":"run_cmd","args":{"command":"echo \(hi\)"}}`
	obj, err := parseActionJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	args := obj["args"].(map[string]any)
	if args["command"] != `echo \(hi\)` {
		t.Fatalf("command = %q", args["command"])
	}
}

func TestRepairLeavesValidEscapesAlone(t *testing.T) {
	raw := `{"a":"line\nbreak \"quoted\""}`
	if got := repairInvalidJSONEscapes(raw); got != raw {
		t.Fatalf("valid json was rewritten: %s", got)
	}
}

func TestNormalizeActionValue(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want Action
	}{
		{
			name: "action alias for type",
			in:   map[string]any{"action": "respond", "content": "hi"},
			want: Action{Type: ActionRespond, Content: "hi"},
		},
		{
			name: "bare tool type becomes call_tool",
			in:   map[string]any{"type": "list_dir", "args": map[string]any{"dir": "sub"}},
			want: Action{Type: ActionCallTool, Tool: "list_dir", Args: map[string]any{"path": "sub", "dir": "sub"}},
		},
		{
			name: "tool_name alias and top-level arg promotion",
			in:   map[string]any{"type": "call_tool", "tool_name": "read_file", "file": "a.txt"},
			want: Action{Type: ActionCallTool, Tool: "read_file", Args: map[string]any{"path": "a.txt", "file": "a.txt", "tool_name": "read_file"}},
		},
		{
			name: "run_cmd string args",
			in:   map[string]any{"type": "call_tool", "tool": "run_cmd", "args": "ls -la"},
			want: Action{Type: ActionCallTool, Tool: "run_cmd", Args: map[string]any{"command": "ls -la"}},
		},
		{
			name: "write_file text alias",
			in:   map[string]any{"type": "call_tool", "tool": "write_file", "args": map[string]any{"path": "n.txt", "text": "body"}},
			want: Action{Type: ActionCallTool, Tool: "write_file", Args: map[string]any{"path": "n.txt", "text": "body", "content": "body"}},
		},
		{
			name: "skill alias normalization",
			in:   map[string]any{"type": "call_skill", "name": "draw_image", "prompt": "a cat"},
			want: Action{Type: ActionCallSkill, Skill: "image_generate", Args: map[string]any{"prompt": "a cat", "name": "draw_image"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			normalized, err := normalizeActionValue(tc.in)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			got, err := decodeAction(normalized)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != tc.want.Type || got.Tool != tc.want.Tool || got.Skill != tc.want.Skill || got.Content != tc.want.Content {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
			for k, v := range tc.want.Args {
				if got.Args[k] != v {
					t.Fatalf("arg %s = %v, want %v", k, got.Args[k], v)
				}
			}
		})
	}
}

func TestNormalizeActionValueErrors(t *testing.T) {
	if _, err := normalizeActionValue(map[string]any{"content": "hi"}); err == nil {
		t.Fatal("missing type accepted")
	}
	in := map[string]any{"type": "call_tool", "tool": "read_file", "args": []any{"nope"}}
	if _, err := normalizeActionValue(in); err == nil {
		t.Fatal("non-object args accepted")
	}
}

func TestSelectAction(t *testing.T) {
	think := Action{Type: ActionThink, Content: "hmm"}
	respond := Action{Type: ActionRespond, Content: "done"}
	runCmd := Action{Type: ActionCallTool, Tool: "run_cmd"}
	readFile := Action{Type: ActionCallTool, Tool: "read_file"}
	writeFile := Action{Type: ActionCallTool, Tool: "write_file"}

	if got := selectAction([]Action{think, runCmd, writeFile}); got != 2 {
		t.Fatalf("write_file not preferred, got %d", got)
	}
	if got := selectAction([]Action{runCmd, readFile}); got != 1 {
		t.Fatalf("non-run_cmd tool not preferred, got %d", got)
	}
	if got := selectAction([]Action{think, respond}); got != 1 {
		t.Fatalf("non-think not preferred, got %d", got)
	}
	if got := selectAction([]Action{think}); got != 0 {
		t.Fatalf("got %d", got)
	}
}

func TestActionSignatureStable(t *testing.T) {
	a := Action{Type: ActionCallTool, Tool: "run_cmd", Args: map[string]any{"command": "ls"}}
	if actionSignature(a) != actionSignature(a) {
		t.Fatal("signature not stable")
	}
	b := Action{Type: ActionCallTool, Tool: "run_cmd", Args: map[string]any{"command": "pwd"}}
	if actionSignature(a) == actionSignature(b) {
		t.Fatal("different actions share a signature")
	}
}

func TestRepeatStateFingerprint(t *testing.T) {
	if repeatStateFingerprint("out1") == repeatStateFingerprint("out2") {
		t.Fatal("different state hashed equal")
	}
	if repeatStateFingerprint("same") != repeatStateFingerprint("same") {
		t.Fatal("fingerprint not stable")
	}
}
