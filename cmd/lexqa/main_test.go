package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
	cfgPkg "github.com/xhad/lexqa/pkg/config"
)

type scriptedAnswerer struct {
	turns []models.SessionTurn
}

func (s *scriptedAnswerer) Answer(_ context.Context, question, sessionID string) (*models.Answer, error) {
	if strings.Contains(question, "draft") {
		err := fmt.Errorf("%w: ollama timeout", types.ErrGenerationUnavailable)
		return &models.Answer{Question: question, SessionID: sessionID, Error: types.PublicMessage(err)}, err
	}
	text := "Section 3 defines domestic violence."
	s.turns = append(s.turns,
		models.SessionTurn{Role: models.RoleUser, Text: question},
		models.SessionTurn{Role: models.RoleAssistant, Text: text},
	)
	return &models.Answer{
		Success:        true,
		Question:       question,
		Answer:         text,
		SessionID:      sessionID,
		SourceDocument: "DV_Act_2005",
		Citations:      []string{"3"},
	}, nil
}

func (s *scriptedAnswerer) History(context.Context, string, int) ([]models.SessionTurn, error) {
	return s.turns, nil
}

func (s *scriptedAnswerer) Ready(context.Context) error { return nil }

func TestChatLoop(t *testing.T) {
	in := strings.NewReader("What is domestic violence?\n\nhistory\nplease draft my petition\nexit\nnever read\n")
	var out bytes.Buffer
	p := &scriptedAnswerer{}

	err := chatLoop(context.Background(), in, &out, p, "s1")
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "session s1")
	assert.Contains(t, text, "Assistant: Section 3 defines domestic violence.")
	assert.Contains(t, text, "DV_Act_2005, sections 3")
	assert.Contains(t, text, "[user] What is domestic violence?")
	assert.Contains(t, text, "[assistant] Section 3 defines domestic violence.")
	assert.Contains(t, text, "Error: the answer service is currently unavailable")
	assert.NotContains(t, text, "ollama timeout")
	assert.Len(t, p.turns, 2, "input after exit is not read")
}

func TestChatLoopEOF(t *testing.T) {
	var out bytes.Buffer
	err := chatLoop(context.Background(), strings.NewReader("history\n"), &out, &scriptedAnswerer{}, "s1")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No history yet.")
}

func TestAskOnce(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, askOnce(context.Background(), &out, &scriptedAnswerer{}, "s1", "What is Section 3?"))
	assert.Contains(t, out.String(), "Section 3 defines domestic violence.")

	err := askOnce(context.Background(), &out, &scriptedAnswerer{}, "s1", "draft a petition")
	require.Error(t, err)
	assert.Equal(t, "the answer service is currently unavailable, please try again later", err.Error())
}

func TestIngestMetadata(t *testing.T) {
	cfg := cfgPkg.Default()
	cfg.Document.Source = "DV_Act_2005"
	cfg.Document.Jurisdiction = "India"

	ingestSource, ingestYear = "DV_Act_2005_amended", 2006
	t.Cleanup(func() { ingestSource, ingestYear = "", 0 })

	meta := ingestMetadata(cfg)
	assert.Equal(t, "DV_Act_2005_amended", meta.Source())
	assert.Equal(t, "India", meta[models.MetaJurisdiction])
	assert.Equal(t, 2006, meta[models.MetaYear])
}

func TestEmbedProgressIgnoresStaleUpdates(t *testing.T) {
	p := &embedProgress{bar: getProgressBar(io.Discard, -1, "test")}
	p.update(32, 64)
	p.update(16, 64)
	assert.Equal(t, 32, p.seen)
	p.update(64, 64)
	assert.Equal(t, 64, p.seen)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath, logLevel = "", ""
		ingestFile, ingestURL = "", ""
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lexqa version dev")
}

func TestIngestRequiresInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: memory\n"), 0o644))

	_, err := execute(t, "--config", path, "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
	assert.Contains(t, err.Error(), "url")
	require.NotNil(t, config)
	assert.Equal(t, "memory", config.Database.Driver)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: memory\nprocessor:\n  chunk_size: 100\n  chunk_overlap: 100\n"), 0o644))

	_, err := execute(t, "--config", path, "ingest", "--file", "act.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "processor.chunk_overlap")
}
