package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	SessionsDirName   = "sessions"
	BackupsDirName    = "backups"
	LocksDirName      = ".fslocks"
	AuditFilename     = "commands.jsonl"
	KnowledgeFilename = "knowledge.db"
)

func FileStateDir() string {
	return ExpandHome(viper.GetString("file_state_dir"))
}

// SessionsDir holds one <id>.json metadata record per session and the
// per-session credential directories owned by the transport.
func SessionsDir() string {
	return childDir(viper.GetString("sessions.dir_name"), SessionsDirName)
}

func BackupsDir() string {
	return filepath.Join(SessionsDir(), BackupsDirName)
}

func LocksDir() string {
	return filepath.Join(FileStateDir(), LocksDirName)
}

func AuditLogPath() string {
	if p := strings.TrimSpace(viper.GetString("audit.path")); p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(FileStateDir(), "audit", AuditFilename)
}

func KnowledgeDBPath() string {
	if p := strings.TrimSpace(viper.GetString("knowledge.db_path")); p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(FileStateDir(), KnowledgeFilename)
}

func childDir(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(FileStateDir(), name)
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "."
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return filepath.Clean(p)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Clean(p)
}
