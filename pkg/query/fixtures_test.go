package query

import (
	"context"
	"fmt"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/relquery/pkg/engine"
	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/operator"
	"github.com/theory-cloud/relquery/pkg/session"
)

// Blog-shaped fixture graph: User 1─n Post 1─n Comment.

type User struct {
	ID    int64 `relq:"pk"`
	Name  string
	Email string
	Posts []*Post `relq:"rel"`
}

type Post struct {
	ID       int64 `relq:"pk"`
	Title    string
	Rating   int64
	UserID   int64
	User     *User      `relq:"rel"`
	Comments []*Comment `relq:"rel"`
}

type Comment struct {
	ID     int64 `relq:"pk"`
	Body   string
	PostID int64
	Post   *Post `relq:"rel"`
}

func testRegistry(t *testing.T) *entity.Registry {
	t.Helper()

	r := entity.NewRegistry()
	require.NoError(t, r.Register(&User{}))
	require.NoError(t, r.Register(&Post{},
		entity.WithHybridProperty("title_length", func(alias string) string {
			return "LENGTH(" + alias + ".title)"
		}),
		entity.WithHybridMethod("rated_above", func(alias string, value any) (sq.Sqlizer, error) {
			return sq.Gt{alias + ".rating": value}, nil
		}),
	))
	require.NoError(t, r.Register(&Comment{}))
	return r
}

func testQuery(t *testing.T, model any) *Query {
	t.Helper()
	return New(testRegistry(t), operator.Default(), model)
}

var testSchema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		rating INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER
	)`,
	`CREATE TABLE comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		body TEXT NOT NULL,
		post_id INTEGER
	)`,
}

// testManager opens a private in-memory database with the fixture schema.
func testManager(t *testing.T) *session.Manager {
	t.Helper()

	cfg := &engine.Config{
		Driver:       "sqlite3",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	eng, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	mgr := session.NewManager(eng)
	require.NoError(t, mgr.Scope(context.Background(), func(ctx context.Context) error {
		sess, err := session.FromContext(ctx)
		if err != nil {
			return err
		}
		for _, stmt := range testSchema {
			if _, err := sess.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}))
	return mgr
}

// seedBlog inserts two users, three posts and three comments.
func seedBlog(t *testing.T, mgr *session.Manager) {
	t.Helper()

	statements := []string{
		`INSERT INTO users (id, name, email) VALUES (1, 'bob', 'bob@example.com')`,
		`INSERT INTO users (id, name, email) VALUES (2, 'bill', 'bill@example.com')`,
		`INSERT INTO posts (id, title, rating, user_id) VALUES (10, 'go patterns', 5, 1)`,
		`INSERT INTO posts (id, title, rating, user_id) VALUES (11, 'sql tricks', 3, 1)`,
		`INSERT INTO posts (id, title, rating, user_id) VALUES (12, 'orm design', 4, 2)`,
		`INSERT INTO comments (id, body, post_id) VALUES (100, 'nice', 10)`,
		`INSERT INTO comments (id, body, post_id) VALUES (101, 'agreed', 10)`,
		`INSERT INTO comments (id, body, post_id) VALUES (102, 'hm', 12)`,
	}

	require.NoError(t, mgr.Scope(context.Background(), func(ctx context.Context) error {
		sess, err := session.FromContext(ctx)
		if err != nil {
			return err
		}
		for _, stmt := range statements {
			if _, err := sess.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}))
}

// inScope runs fn inside a fresh session scope and fails the test on error.
func inScope(t *testing.T, mgr *session.Manager, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, mgr.Scope(context.Background(), fn))
}
