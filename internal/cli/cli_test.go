package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("FORWARD_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("ANOMALY_MODEL_PATH", filepath.Join(dir, "anomaly.model.zst"))
	t.Setenv("TEXT_MODEL_PATH", filepath.Join(dir, "text.model.zst"))
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeDataset(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("message,category\n")
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&b, "%q,spam\n", fmt.Sprintf("WIN a FREE prize now, claim reward %d", i))
		fmt.Fprintf(&b, "%q,ham\n", fmt.Sprintf("see you at the team sync tomorrow %d", i))
	}
	path := filepath.Join(dir, "dataset.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestTrainTextThenClassify(t *testing.T) {
	dir := setupEnv(t)
	dataset := writeDataset(t, dir)

	out, err := run(t, "train", "text", "--dataset", dataset)
	require.NoError(t, err)

	var trained map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &trained))
	assert.Contains(t, trained, "metrics")
	assert.FileExists(t, filepath.Join(dir, "text.model.zst"))

	out, err = run(t, "classify", "WIN", "a", "FREE", "prize")
	require.NoError(t, err)

	var pred struct {
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &pred))
	assert.Equal(t, "spam", pred.Label)
}

func TestTrainText_RequiresDataset(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "train", "text")
	assert.Error(t, err)

	_, err = run(t, "train", "text", "--dataset", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestClassify_NoModel(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "classify", "hello")
	assert.Error(t, err)
}

func TestTrainAnomaly_EmptyStore(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "train", "anomaly")
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	dir := setupEnv(t)

	payload := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{
		"log_source": "ids",
		"event_description": "beacon to beacon.c2.com",
		"source_ip": "10.3.3.3"
	}`), 0o644))

	out, err := run(t, "ingest", "--kind", "network", payload)
	require.NoError(t, err)
	assert.Contains(t, out, `"threat"`)

	_, err = run(t, "ingest", "--kind", "carrier-pigeon", payload)
	assert.Error(t, err)

	threat := filepath.Join(dir, "threat.json")
	require.NoError(t, os.WriteFile(threat, []byte(`{
		"source_type": "email",
		"detection_type": "phishing",
		"confidence_score": 0.9,
		"sender": "x@example.com"
	}`), 0o644))
	out, err = run(t, "ingest", "--kind", "threat", threat)
	require.NoError(t, err)
	assert.Contains(t, out, "phishing")
}

func TestMigrate_RequiresDatabase(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "migrate", "up")
	assert.Error(t, err)
	_, err = run(t, "migrate", "down")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "hash-password", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "threatctl version dev\n", out)
}
