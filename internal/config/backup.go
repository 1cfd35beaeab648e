package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// MaxBackups is how many backups BackupFile keeps per config file.
const MaxBackups = 3

// BackupSuffix separates a config path from its backup timestamp.
const BackupSuffix = ".bak"

// backupStamp sorts lexically in time order.
const backupStamp = "20060102-150405.000"

// BackupFile copies path to path.bak.<timestamp> before it is overwritten
// and prunes all but the newest MaxBackups copies. It returns "" when path
// does not exist.
func BackupFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backup := path + BackupSuffix + "." + time.Now().Format(backupStamp)
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if all, err := ListBackups(path); err == nil && len(all) > MaxBackups {
		for _, old := range all[MaxBackups:] {
			_ = os.Remove(old)
		}
	}
	return backup, nil
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	dir, prefix := filepath.Dir(path), filepath.Base(path)+BackupSuffix+"."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(backups)
	slices.Reverse(backups)
	return backups, nil
}
