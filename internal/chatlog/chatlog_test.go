package chatlog

import (
	"testing"

	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ChatMessage{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// --- Validation ---

func TestAppend_MissingPatient(t *testing.T) {
	err := Append(nil, "", "s1", api.Message{Content: "x"})
	if err == nil || err.Error() != "chatlog: patient id is required" {
		t.Errorf("err = %v", err)
	}
}

func TestAppend_MissingScan(t *testing.T) {
	err := Append(nil, "P1", "", api.Message{Content: "x"})
	if err == nil || err.Error() != "chatlog: scan id is required" {
		t.Errorf("err = %v", err)
	}
}

func TestAppend_NothingToDo(t *testing.T) {
	if err := Append(nil, "P1", "s1"); err != nil {
		t.Errorf("Append with no messages = %v, want nil", err)
	}
}

// --- Round trip ---

func TestAppendAndHistory(t *testing.T) {
	db := openTestDB(t)

	err := Append(db, "P1", "s1",
		api.Message{ID: "m1", Role: api.RoleUser, Content: "compare with 2022"},
		api.Message{Role: api.RoleAssistant, Content: "see images", Intent: api.IntentCompare,
			Attachments: []api.ImageRef{{URL: "ct.png", Filename: "ct.png", Label: "CT", Date: "Jan 2022"}}},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	Append(db, "P1", "s2", api.Message{Role: api.RoleUser, Content: "other scan"})
	Append(db, "P2", "s1", api.Message{Role: api.RoleUser, Content: "other patient"})

	msgs, err := History(db, "P1", "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Content != "compare with 2022" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].ID == "" {
		t.Error("missing id should be minted")
	}
	if msgs[1].Intent != api.IntentCompare || len(msgs[1].Attachments) != 1 || msgs[1].Attachments[0].Label != "CT" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestHistory_Empty(t *testing.T) {
	db := openTestDB(t)
	msgs, err := History(db, "P1", "nothing")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("msgs = %#v, want empty non-nil slice", msgs)
	}
}

func TestWithHistory(t *testing.T) {
	db := openTestDB(t)
	Append(db, "P1", "s1", api.Message{Role: api.RoleUser, Content: "a"}, api.Message{Role: api.RoleAssistant, Content: "b"})
	Append(db, "P1", "s3", api.Message{Role: api.RoleUser, Content: "c"})

	got, err := WithHistory(db, "P1", []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatalf("WithHistory: %v", err)
	}
	if !got["s1"] || got["s2"] || !got["s3"] {
		t.Errorf("got = %v", got)
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)
	Append(db, "P1", "s1", api.Message{Role: api.RoleUser, Content: "a"}, api.Message{Role: api.RoleAssistant, Content: "b"})

	n, err := Delete(db, "P1", "s1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if msgs, _ := History(db, "P1", "s1"); len(msgs) != 0 {
		t.Errorf("history after delete = %+v", msgs)
	}
}
