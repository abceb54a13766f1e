package store

import "testing"

// newMemStore opens an in-memory SQLite database, runs migrations, and
// returns the store. The database is discarded when the test process exits.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(migrations); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestStoreAndLoadNick(t *testing.T) {
	s := newMemStore(t)

	if _, err := s.LoadNick("alice"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing nick, got %v", err)
	}

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := s.StoreNick(RegisteredNick{Nick: "alice", Password: hash, Mask: "alice!*@*"}); err != nil {
		t.Fatalf("StoreNick: %v", err)
	}

	r, err := s.LoadNick("alice")
	if err != nil {
		t.Fatalf("LoadNick: %v", err)
	}
	if r.Nick != "alice" || r.Mask != "alice!*@*" {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestStoreNickUpsert(t *testing.T) {
	s := newMemStore(t)

	if err := s.StoreNick(RegisteredNick{Nick: "alice", Password: "h1", Mask: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreNick(RegisteredNick{Nick: "alice", Password: "h2", Mask: "b"}); err != nil {
		t.Fatal(err)
	}
	r, err := s.LoadNick("alice")
	if err != nil {
		t.Fatal(err)
	}
	if r.Password != "h2" || r.Mask != "b" {
		t.Errorf("expected upsert to overwrite, got %+v", r)
	}
}

func TestStoreAndLoadChannel(t *testing.T) {
	s := newMemStore(t)

	if err := s.StoreChannel(RegisteredChannel{Name: "#go", Topic: "welcome"}); err != nil {
		t.Fatalf("StoreChannel: %v", err)
	}
	r, err := s.LoadChannel("#go")
	if err != nil {
		t.Fatalf("LoadChannel: %v", err)
	}
	if r.Topic != "welcome" || r.ModesJSON != "{}" {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestStoreAndLoadOperator(t *testing.T) {
	s := newMemStore(t)

	hash, _ := HashPassword("s3cret")
	if err := s.StoreOperator(Operator{Name: "root", Password: hash, Mask: "*@*"}); err != nil {
		t.Fatalf("StoreOperator: %v", err)
	}
	o, err := s.LoadOperator("root")
	if err != nil {
		t.Fatalf("LoadOperator: %v", err)
	}
	ok, err := VerifyPassword("s3cret", o.Password)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Errorf("expected password to verify")
	}
}

func TestMySQLMigrationsParallelSchema(t *testing.T) {
	if len(mysqlMigrations) != len(migrations) {
		t.Fatalf("mysql and sqlite migration lists must stay in lockstep, got %d vs %d",
			len(mysqlMigrations), len(migrations))
	}
}
