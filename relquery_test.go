package relquery_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/relquery"
	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/session"
)

type Author struct {
	ID    int64 `relq:"pk"`
	Name  string
	Books []*Book `relq:"rel"`
}

type Book struct {
	ID       int64 `relq:"pk"`
	Title    string
	Year     int64
	AuthorID int64
	Author   *Author `relq:"rel"`
}

func openDB(t *testing.T) *relquery.DB {
	t.Helper()

	cfg := relquery.Config{
		Driver:       "sqlite3",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	db, err := relquery.Open(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Register(&Author{}))
	require.NoError(t, db.Register(&Book{}))

	require.NoError(t, db.Scope(context.Background(), func(ctx context.Context) error {
		sess, err := session.FromContext(ctx)
		if err != nil {
			return err
		}
		stmts := []string{
			`CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`,
			`CREATE TABLE books (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				year INTEGER NOT NULL DEFAULT 0,
				author_id INTEGER
			)`,
		}
		for _, stmt := range stmts {
			if _, err := sess.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}))
	return db
}

func TestOpenWithNilConfigUsesDefaults(t *testing.T) {
	db, err := relquery.Open(nil)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.Equal(t, "sqlite3", db.Engine.Config().Driver)
}

func TestEndToEnd(t *testing.T) {
	db := openDB(t)

	err := db.Scope(context.Background(), func(ctx context.Context) error {
		author := &Author{Name: "kernighan"}
		if err := db.Store.Create(ctx, author); err != nil {
			return err
		}

		for _, b := range []*Book{
			{Title: "the go programming language", Year: 2015, AuthorID: author.ID},
			{Title: "the practice of programming", Year: 1999, AuthorID: author.ID},
		} {
			if err := db.Store.Create(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.Scope(context.Background(), func(ctx context.Context) error {
		var books []*Book
		err := relquery.For[Book](db).
			FilterKV("author___name", "kernighan").
			FilterKV("year__ge", 2000).
			OrderBy("-year").
			All(ctx, &books)
		require.NoError(t, err)

		require.Len(t, books, 1)
		assert.Equal(t, "the go programming language", books[0].Title)
		return nil
	})
	require.NoError(t, err)
}

func TestEagerLoadThroughFacade(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Scope(context.Background(), func(ctx context.Context) error {
		author := &Author{Name: "pike"}
		if err := db.Store.Create(ctx, author); err != nil {
			return err
		}
		return db.Store.Create(ctx, &Book{Title: "plan 9 papers", AuthorID: author.ID})
	}))

	require.NoError(t, db.Scope(context.Background(), func(ctx context.Context) error {
		var author Author
		err := db.Model(&Author{}).
			EagerLoad(relquery.Eager{"books": relquery.StrategySubquery}).
			FilterKV("name", "pike").
			Get(ctx, &author)
		require.NoError(t, err)

		require.Len(t, author.Books, 1)
		assert.Equal(t, "plan 9 papers", author.Books[0].Title)
		return nil
	}))
}

func TestAtomicThroughFacade(t *testing.T) {
	db := openDB(t)

	err := db.Scope(context.Background(), func(ctx context.Context) error {
		if err := db.Store.Create(ctx, &Author{Name: "kept"}); err != nil {
			return err
		}

		atomicErr := relquery.Atomic(ctx, func(ctx context.Context) error {
			if err := db.Store.Create(ctx, &Author{Name: "reverted"}); err != nil {
				return err
			}
			return fmt.Errorf("abort")
		})
		assert.Error(t, atomicErr)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, db.Scope(context.Background(), func(ctx context.Context) error {
		n, err := relquery.For[Author](db).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	}))
}

func TestGetNotFoundThroughFacade(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Scope(context.Background(), func(ctx context.Context) error {
		var author Author
		err := db.Model(&Author{}).FilterKV("name", "nobody").Get(ctx, &author)
		assert.True(t, errors.IsNotFound(err))
		return nil
	}))
}
