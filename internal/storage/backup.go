package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	backupPrefix     = "dbhealth_"
	backupSuffix     = ".db"
	backupDateFormat = "20060102"
)

func backupName(date string) string {
	return backupPrefix + date + backupSuffix
}

// BackupDatabase writes a consistent copy of the store with VACUUM INTO,
// replacing any backup already taken today, then prunes expired backups.
// It returns the backup path, or "" when backups are disabled.
func BackupDatabase(db *sql.DB, config *BackupConfig) (string, error) {
	if !config.Enabled {
		return "", nil
	}

	if err := os.MkdirAll(config.BackupDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create backup directory")
	}

	backupPath := filepath.Join(config.BackupDir, backupName(time.Now().Format(backupDateFormat)))

	// VACUUM INTO refuses to overwrite
	if _, err := os.Stat(backupPath); err == nil {
		if err := os.Remove(backupPath); err != nil {
			return "", errors.Wrap(err, "failed to remove existing backup")
		}
	}

	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", errors.Wrap(err, "failed to create backup")
	}

	if err := CleanupBackups(config); err != nil {
		return backupPath, errors.Wrap(err, "backup succeeded but cleanup failed")
	}

	return backupPath, nil
}

// CleanupBackups removes backup files older than the retention period.
func CleanupBackups(config *BackupConfig) error {
	files, err := os.ReadDir(config.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read backup directory")
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)

	for _, file := range files {
		fileDate, ok := backupDate(file.Name())
		if !ok || fileDate.After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(config.BackupDir, file.Name())); err != nil {
			return errors.Wrapf(err, "failed to remove old backup %s", file.Name())
		}
	}

	return nil
}

func backupDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	datePart := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)

	t, err := time.Parse(backupDateFormat, datePart)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ListBackups returns backup file names, oldest first.
func ListBackups(config *BackupConfig) ([]string, error) {
	files, err := os.ReadDir(config.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "failed to read backup directory")
	}

	var backups []string
	for _, file := range files {
		if _, ok := backupDate(file.Name()); ok {
			backups = append(backups, file.Name())
		}
	}

	// names embed the date so lexical order is chronological
	sort.Strings(backups)
	return backups, nil
}

// RestoreDatabase copies a backup over targetDBPath. The store must not be
// open while this runs.
func RestoreDatabase(backupFileName string, targetDBPath string, config *BackupConfig) error {
	backupPath := filepath.Join(config.BackupDir, backupFileName)

	if _, err := os.Stat(backupPath); err != nil {
		return errors.Wrap(err, "backup file not found")
	}

	if err := os.MkdirAll(filepath.Dir(targetDBPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	if err := copyFile(backupPath, targetDBPath); err != nil {
		return errors.Wrap(err, "failed to restore database")
	}

	return nil
}

// FindBackupForDate finds the backup taken on date (YYYYMMDD).
func FindBackupForDate(date string, config *BackupConfig) (string, error) {
	name := backupName(date)

	if _, err := os.Stat(filepath.Join(config.BackupDir, name)); os.IsNotExist(err) {
		return "", errors.Errorf("backup for date %s not found", date)
	}

	return name, nil
}

// BackupInfo summarises the backup configuration for status reporting.
func BackupInfo(config *BackupConfig) map[string]interface{} {
	return map[string]interface{}{
		"enabled":         config.Enabled,
		"backup_dir":      config.BackupDir,
		"retention_days":  config.RetentionDays,
		"backup_interval": config.BackupInterval.String(),
	}
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = dstFile.ReadFrom(srcFile)
	return err
}
