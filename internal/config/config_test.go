package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/var/lib/voicekb",
		"knowledge_dir": "/var/lib/voicekb/kb",
		"embedding": {"providers": [{"provider": "local", "model": "hash-256"}]}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8600, cfg.Port)
	require.Equal(t, "local", cfg.Embedding.Providers[0].Name)
	require.Equal(t, 10, cfg.Fetch.TimeoutSeconds)
	require.Equal(t, int64(10<<20), cfg.Fetch.MaxBodyBytes)
	require.Equal(t, filepath.Join("/var/lib/voicekb", "settings.json"), cfg.SettingsPath)
	require.Equal(t, filepath.Join("/var/lib/voicekb", "vectorstore"), cfg.VectorStoreDir())
	require.Equal(t, filepath.Join("/var/lib/voicekb", "file_index.json"), cfg.TrackerPath())
	require.Empty(t, cfg.Schedule.BackupSpec)
}

func TestLoadRequiresProviders(t *testing.T) {
	path := writeConfig(t, `{"data_dir": "/tmp/a", "knowledge_dir": "/tmp/b"}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadBackupEnablesDefaultSchedule(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/tmp/a", "knowledge_dir": "/tmp/b",
		"embedding": {"providers": [{"provider": "local"}]},
		"backup": {"type": "local", "data": {"dir": "/tmp/backup"}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0 3 * * *", cfg.Schedule.BackupSpec)
	require.Equal(t, 7, cfg.Backup.Keep)
}

func TestLoadResolvesRelativeDirs(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "data",
		"knowledge_dir": "./kb/../kb",
		"embedding": {"providers": [{"provider": "local"}]}
	}`)
	cwd := t.TempDir()
	t.Chdir(cwd)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cwd, "data"), cfg.DataDir)
	require.Equal(t, filepath.Join(cwd, "kb"), cfg.KnowledgeDir)
	require.Equal(t, filepath.Join(cwd, "data", "settings.json"), cfg.SettingsPath)
	require.True(t, filepath.IsAbs(cfg.VectorStoreDir()))
}
