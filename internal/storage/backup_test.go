package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestBackupDatabase(t *testing.T) {
	tempDir := t.TempDir()

	backend, err := NewSQLiteBackend(SQLiteConfig{DBPath: filepath.Join(tempDir, "test.db")})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer backend.Close()

	if err := backend.InsertAggregates(context.Background(), aggregateWindow(time.Time{}, base, "ring:slots")); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}

	config := &BackupConfig{
		Enabled:        true,
		BackupDir:      filepath.Join(tempDir, "backups"),
		RetentionDays:  30,
		BackupInterval: 24 * time.Hour,
	}

	path, err := backend.CreateBackup(config)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	expected := filepath.Join(config.BackupDir, "dbhealth_"+time.Now().Format("20060102")+".db")
	if path != expected {
		t.Fatalf("Expected backup at %s, got %s", expected, path)
	}

	backupDB, err := sql.Open("sqlite3", expected)
	if err != nil {
		t.Fatalf("Failed to open backup database: %v", err)
	}
	defer backupDB.Close()

	var count int
	if err := backupDB.QueryRow("SELECT COUNT(*) FROM aggregates").Scan(&count); err != nil {
		t.Fatalf("Failed to query backup database: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row in backup, got %d", count)
	}

	// a second backup the same day replaces the first
	if _, err := backend.CreateBackup(config); err != nil {
		t.Fatalf("Second backup failed: %v", err)
	}
	backups, err := ListBackups(config)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("Expected 1 backup, got %v", backups)
	}
}

func TestBackupDatabase_Disabled(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	config := &BackupConfig{Enabled: false, BackupDir: filepath.Join(t.TempDir(), "never")}

	path, err := BackupDatabase(db, config)
	if err != nil {
		t.Fatalf("Backup should succeed when disabled: %v", err)
	}
	if path != "" {
		t.Fatalf("Expected no backup path, got %s", path)
	}
	if _, err := os.Stat(config.BackupDir); !os.IsNotExist(err) {
		t.Error("Backup directory should not exist when backup is disabled")
	}
}

func TestCleanupBackups(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("Failed to create backup directory: %v", err)
	}

	now := time.Now()
	testFiles := []struct {
		name   string
		expect bool
	}{
		{backupName(now.Format("20060102")), true},
		{backupName(now.AddDate(0, 0, -5).Format("20060102")), true},
		{backupName(now.AddDate(0, 0, -35).Format("20060102")), false},
		{backupName(now.AddDate(0, 0, -50).Format("20060102")), false},
		{"other_file.txt", true},
		{"dbhealth_notadate.db", true},
	}

	for _, tf := range testFiles {
		file, err := os.Create(filepath.Join(backupDir, tf.name))
		if err != nil {
			t.Fatalf("Failed to create test file %s: %v", tf.name, err)
		}
		file.Close()
	}

	if err := CleanupBackups(&BackupConfig{BackupDir: backupDir, RetentionDays: 30}); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	for _, tf := range testFiles {
		_, err := os.Stat(filepath.Join(backupDir, tf.name))
		if tf.expect && os.IsNotExist(err) {
			t.Errorf("Expected file %s to exist but it was removed", tf.name)
		} else if !tf.expect && err == nil {
			t.Errorf("Expected file %s to be removed but it still exists", tf.name)
		}
	}
}

func TestListBackups_MissingDir(t *testing.T) {
	backups, err := ListBackups(&BackupConfig{BackupDir: filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatalf("Failed to list backups: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("Expected 0 backups, got %d", len(backups))
	}
}

func TestRestoreDatabase(t *testing.T) {
	tempDir := t.TempDir()
	backupDir := filepath.Join(tempDir, "backups")
	config := &BackupConfig{BackupDir: backupDir}

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	name := backupName("20240501")
	if err := os.WriteFile(filepath.Join(backupDir, name), []byte("sqlite bytes"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	found, err := FindBackupForDate("20240501", config)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	target := filepath.Join(tempDir, "restored", "dbhealth.db")
	if err := RestoreDatabase(found, target, config); err != nil {
		t.Fatalf("restore: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil || string(data) != "sqlite bytes" {
		t.Fatalf("Restored content mismatch: %q %v", data, err)
	}

	if _, err := FindBackupForDate("19990101", config); err == nil {
		t.Fatal("Expected error for missing date")
	}
}
