package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const teamJSON = `{"provider":"autogen_agentchat.teams.RoundRobinGroupChat","config":{"participants":[
	{"provider":"autogen_agentchat.agents.AssistantAgent","config":{"name":"planner"}},
	{"provider":"autogen_agentchat.agents.AssistantAgent","config":{"name":"critic"}}]}}`

// execute runs rootCmd with args and returns its combined output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "version flag", args: []string{"--version"}},
		{name: "help flag", args: []string{"--help"}},
		{name: "unknown command", args: []string{"nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "", tt.args...)
			if (err != nil) != tt.wantErr {
				t.Errorf("rootCmd.Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
