package state

import (
	"reflect"
	"testing"
	"time"

	"github.com/hkdinner/dinner/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

func TestLoad_DefaultsWhenEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	got := s.Load()
	if !reflect.DeepEqual(got, Defaults()) {
		t.Errorf("Load() = %+v, want defaults", got)
	}
}

func TestLoad_MalformedRecordYieldsDefaults(t *testing.T) {
	s, db := newTestStore(t)

	if err := db.SetValue(Key, "{not json"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if got := s.Load(); !reflect.DeepEqual(got, Defaults()) {
		t.Errorf("Load() = %+v, want defaults", got)
	}
}

func TestLoad_OlderRecordMergedOverDefaults(t *testing.T) {
	s, db := newTestStore(t)

	// Records written before email/userId/role existed.
	if err := db.SetValue(Key, `{"loggedIn":true,"phone":"91234567","familyId":null}`); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	got := s.Load()
	if !got.LoggedIn || Str(got.Phone) != "91234567" {
		t.Errorf("Load() = %+v, want loggedIn with phone", got)
	}
	if got.Email != nil || got.Role != nil {
		t.Errorf("missing keys should stay nil, got email=%v role=%v", got.Email, got.Role)
	}
}

func TestSave_FieldwiseMergeLastWriteWins(t *testing.T) {
	tests := []struct {
		name string
		p1   Patch
		p2   Patch
		want AppState
	}{
		{
			name: "disjoint fields",
			p1:   Patch{LoggedIn: Bool(true), Email: String("a@example.com")},
			p2:   Patch{UserID: String("u1")},
			want: AppState{LoggedIn: true, Email: ptr("a@example.com"), UserID: ptr("u1")},
		},
		{
			name: "same field overwritten",
			p1:   Patch{Email: String("old@example.com"), LoggedIn: Bool(true)},
			p2:   Patch{Email: String("new@example.com")},
			want: AppState{LoggedIn: true, Email: ptr("new@example.com")},
		},
		{
			name: "explicit null",
			p1:   Patch{Phone: String("91234567")},
			p2:   Patch{Phone: Null},
			want: AppState{},
		},
		{
			name: "family identity",
			p1:   Patch{LoggedIn: Bool(true)},
			p2: Patch{
				FamilyID: String("fam_1"), FamilyName: String("陳家"), MemberID: String("mem_1"),
				DisplayName: String("媽咪"), IsOwner: Bool(true), Role: String("媽媽"),
			},
			want: AppState{
				LoggedIn: true, FamilyID: ptr("fam_1"), FamilyName: ptr("陳家"), MemberID: ptr("mem_1"),
				DisplayName: ptr("媽咪"), IsOwner: true, Role: ptr("媽媽"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			if _, err := s.Save(tt.p1); err != nil {
				t.Fatalf("Save(p1): %v", err)
			}
			got, err := s.Save(tt.p2)
			if err != nil {
				t.Fatalf("Save(p2): %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Save result = %+v, want %+v", got, tt.want)
			}
			if loaded := s.Load(); !reflect.DeepEqual(loaded, tt.want) {
				t.Errorf("Load() = %+v, want %+v", loaded, tt.want)
			}
		})
	}
}

func TestSave_RejectsIncompleteFamilyIdentity(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Save(Patch{FamilyID: String("fam_1")})
	if err != ErrIncompleteIdentity {
		t.Fatalf("err = %v, want ErrIncompleteIdentity", err)
	}
	if s.Load().HasFamily() {
		t.Error("rejected patch must not be persisted")
	}
}

func TestClear_ThenLoadReturnsDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Save(Patch{LoggedIn: Bool(true), Email: String("a@example.com")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Load(); !reflect.DeepEqual(got, Defaults()) {
		t.Errorf("Load() after Clear = %+v, want defaults", got)
	}
}

func TestSubscribe_ReceivesNewestState(t *testing.T) {
	s, _ := newTestStore(t)

	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.Save(Patch{LoggedIn: Bool(true)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(Patch{Email: String("a@example.com")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case got := <-ch:
		if !got.LoggedIn || Str(got.Email) != "a@example.com" {
			t.Errorf("notification = %+v, want newest state", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	select {
	case got := <-ch:
		if got.LoggedIn {
			t.Errorf("notification after Clear = %+v, want defaults", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after Clear")
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s, _ := newTestStore(t)

	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if _, err := s.Save(Patch{LoggedIn: Bool(true)}); err != nil {
		t.Fatalf("Save after cancel: %v", err)
	}
}

func TestLeaveFamily_KeepsSession(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Save(Patch{
		LoggedIn: Bool(true), Email: String("a@example.com"),
		FamilyID: String("fam_1"), MemberID: String("mem_1"), DisplayName: String("阿爸"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Save(LeaveFamily())
	if err != nil {
		t.Fatalf("Save(LeaveFamily): %v", err)
	}
	if got.HasFamily() || got.MemberID != nil {
		t.Errorf("family identity not cleared: %+v", got)
	}
	if !got.LoggedIn || Str(got.Email) != "a@example.com" {
		t.Errorf("session pointers lost: %+v", got)
	}
}

func ptr(s string) *string { return &s }
