package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cisc375/sage/sage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("SAGE_DATABASE_TYPE", "sqlite")
	os.Setenv("SAGE_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("SAGE_DATABASE_TYPE")
			os.Unsetenv("SAGE_DATABASE")
		},
	)

	faqFile := filepath.Join(tempDir, "faqs.json")
	entries := []sage.FAQImportEntry{
		{
			Question: "What is the late policy?",
			Answer:   "Late work loses 10% per day.",
			Category: "Policies",
		},
		{
			Question: "When are office hours?",
			Answer:   "Tuesdays and Thursdays, 2-4pm.",
			Category: "Logistics",
		},
	}
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(faqFile, data, 0644))

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init", "--faqs", faqFile})
	err = rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Imported 2 FAQ entries.")
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&sage.FAQEntry{}))
	assert.True(t, mg.HasTable(&sage.CooldownRecord{}))
	assert.True(t, mg.HasTable(&sage.FAQUsageStat{}))
	assert.True(t, mg.HasTable(&sage.FAQUsageEvent{}))
	assert.True(t, mg.HasTable(&sage.RuntimeConfig{}))

	var count int64
	require.NoError(t, db.Model(&sage.FAQEntry{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
