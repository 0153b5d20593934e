package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCommands(command string) ([]BashCommand, error) {
	script, err := ParseScript(command)
	if err != nil {
		return nil, err
	}
	return script.Commands, nil
}

func TestParseScript_CommandSimple(t *testing.T) {
	commands, err := parseCommands("ls -la")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "ls", commands[0].Name)
	assert.Equal(t, []string{"-la"}, commands[0].Args)
}

func TestParseScript_CommandNoArgs(t *testing.T) {
	commands, err := parseCommands("pwd")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "pwd", commands[0].Name)
	assert.Empty(t, commands[0].Args)
}

func TestParseScript_CommandPipeline(t *testing.T) {
	commands, err := parseCommands("cat file.txt | grep pattern")
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, "cat", commands[0].Name)
	assert.Equal(t, []string{"file.txt"}, commands[0].Args)

	assert.Equal(t, "grep", commands[1].Name)
	assert.Equal(t, []string{"pattern"}, commands[1].Args)
}

func TestParseScript_CommandAndChain(t *testing.T) {
	commands, err := parseCommands("git add . && git commit -m 'message'")
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, "git", commands[0].Name)
	assert.Equal(t, "add", commands[0].Subcommand)
	assert.Contains(t, commands[0].Args, ".")

	assert.Equal(t, "git", commands[1].Name)
	assert.Equal(t, "commit", commands[1].Subcommand)
}

func TestParseScript_CommandOrChain(t *testing.T) {
	commands, err := parseCommands("test -f file.txt || touch file.txt")
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, "test", commands[0].Name)
	assert.Equal(t, "touch", commands[1].Name)
}

func TestParseScript_CommandSemicolon(t *testing.T) {
	commands, err := parseCommands("echo hello; echo world")
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, "echo", commands[0].Name)
	assert.Equal(t, "echo", commands[1].Name)
}

func TestParseScript_CommandSubshell(t *testing.T) {
	commands, err := parseCommands("echo $(pwd)")
	require.NoError(t, err)
	// Should capture both echo and pwd
	assert.GreaterOrEqual(t, len(commands), 2)

	foundEcho := false
	foundPwd := false
	for _, cmd := range commands {
		if cmd.Name == "echo" {
			foundEcho = true
		}
		if cmd.Name == "pwd" {
			foundPwd = true
		}
	}
	assert.True(t, foundEcho, "should find echo command")
	assert.True(t, foundPwd, "should find pwd command")
}

func TestParseScript_CommandDangerousCommand(t *testing.T) {
	commands, err := parseCommands("rm -rf /tmp/test")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.True(t, IsDangerousCommand(commands[0].Name))
	assert.Equal(t, []string{"-rf", "/tmp/test"}, commands[0].Args)
}

func TestParseScript_CommandQuotedStrings(t *testing.T) {
	commands, err := parseCommands(`echo "hello world" 'single quoted'`)
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "echo", commands[0].Name)
	assert.Contains(t, commands[0].Args, "hello world")
	assert.Contains(t, commands[0].Args, "single quoted")
}

func TestParseScript_CommandGit(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		subcommand string
	}{
		{"git commit", "git commit -m 'msg'", "commit"},
		{"git push", "git push origin main", "push"},
		{"git pull", "git pull --rebase", "pull"},
		{"git status", "git status", "status"},
		{"git add", "git add .", "add"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commands, err := parseCommands(tt.command)
			require.NoError(t, err)
			require.NotEmpty(t, commands)
			assert.Equal(t, "git", commands[0].Name)
			assert.Equal(t, tt.subcommand, commands[0].Subcommand)
		})
	}
}

func TestParseScript_CommandComplexGitCommit(t *testing.T) {
	commands, err := parseCommands(`git commit -m "$(cat <<'EOF'
Fix bug in parser
EOF
)"`)
	require.NoError(t, err)
	require.NotEmpty(t, commands)
	assert.Equal(t, "git", commands[0].Name)
}

func TestParseScript_Assignments(t *testing.T) {
	script, err := ParseScript("FOO=bar ./script.sh; BAZ=1")
	require.NoError(t, err)
	require.Len(t, script.Commands, 1)
	assert.Equal(t, "./script.sh", script.Commands[0].Name)
	assert.Equal(t, []string{"FOO", "BAZ"}, script.Assigns)
}

func TestParseScript_CommandRedirect(t *testing.T) {
	commands, err := parseCommands("echo test > output.txt")
	require.NoError(t, err)
	require.NotEmpty(t, commands)
	assert.Equal(t, "echo", commands[0].Name)
}

func TestParseScript_CommandInvalid(t *testing.T) {
	// Unclosed quote
	_, err := parseCommands(`echo "unclosed`)
	assert.Error(t, err)
}

func TestIsDangerousCommand(t *testing.T) {
	dangerous := []string{"rm", "mv", "cp", "chmod", "chown", "mkdir", "touch", "rmdir", "dd"}
	safe := []string{"ls", "cat", "echo", "grep", "find", "git", "npm"}

	for _, cmd := range dangerous {
		assert.True(t, IsDangerousCommand(cmd), "%s should be dangerous", cmd)
	}

	for _, cmd := range safe {
		assert.False(t, IsDangerousCommand(cmd), "%s should not be dangerous", cmd)
	}
}

func TestParseScript_Redirects(t *testing.T) {
	script, err := ParseScript("echo test > output.txt 2>&1 < input.txt")
	require.NoError(t, err)
	require.Len(t, script.Redirects, 3)

	assert.Equal(t, Redirect{Op: ">", Target: "output.txt"}, script.Redirects[0])
	assert.True(t, script.Redirects[0].Writes())
	assert.Equal(t, ">&", script.Redirects[1].Op)
	assert.False(t, script.Redirects[1].Writes(), "fd duplication does not write")
	assert.Equal(t, "<", script.Redirects[2].Op)
	assert.False(t, script.Redirects[2].Writes())
}

func TestParseScript_AppendAndAll(t *testing.T) {
	script, err := ParseScript("ls >> log.txt; ls &> all.txt")
	require.NoError(t, err)
	require.Len(t, script.Redirects, 2)
	assert.Equal(t, ">>", script.Redirects[0].Op)
	assert.Equal(t, "&>", script.Redirects[1].Op)
	for _, r := range script.Redirects {
		assert.True(t, r.Writes())
	}
}

func TestParseScript_NestedSubstitution(t *testing.T) {
	script, err := ParseScript(`echo "$(rm -rf /tmp/x)"`)
	require.NoError(t, err)

	assert.Equal(t, 1, script.Substitutions)
	var names []string
	for _, c := range script.Commands {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "rm")
}

func TestParseScript_Background(t *testing.T) {
	script, err := ParseScript("sleep 10 &")
	require.NoError(t, err)
	assert.True(t, script.Background)
}

func TestIsDangerousCommand_Path(t *testing.T) {
	assert.True(t, IsDangerousCommand("/bin/rm"))
	assert.False(t, IsDangerousCommand("/usr/bin/ls"))
}
