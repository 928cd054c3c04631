package operator

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/theory-cloud/relquery/pkg/errors"
)

// Domain operators carried over from the application layer. They are not part
// of Default(); callers opt in with RegisterDomain or register them
// individually.

// nowFunc is a variable to allow freezing time in tests
var nowFunc = time.Now

// RegisterDomain adds the domain-specific operators to a registry.
func RegisterDomain(r *Registry) error {
	for name, fn := range map[string]Func{
		"region_in":     RegionIn,
		"is_today":      IsToday,
		"is_this_month": IsThisMonth,
	} {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// RegionIn matches hierarchical six-digit region codes: a province code
// (XX0000) matches every code sharing its first two digits, a city code
// (XXXX00) every code sharing its first four, and a full code matches exactly.
func RegionIn(column string, value any) (sq.Sqlizer, error) {
	code, ok := value.(string)
	if !ok || len(code) != 6 {
		return nil, fmt.Errorf("%w: region_in requires a six-digit region code", errors.ErrInvalidValue)
	}

	switch {
	case code[2:] == "0000":
		return sq.Like{column: code[:2] + "%"}, nil
	case code[4:] == "00":
		return sq.Like{column: code[:4] + "%"}, nil
	default:
		return sq.Eq{column: code}, nil
	}
}

// IsToday matches rows whose date component equals the current local date.
// The value must be true (match) or false (negate).
func IsToday(column string, value any) (sq.Sqlizer, error) {
	want, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: is_today requires a bool", errors.ErrInvalidValue)
	}

	today := nowFunc().Format("2006-01-02")
	if want {
		return sq.Expr("date("+column+") = ?", today), nil
	}
	return sq.Expr("NOT (date("+column+") = ?)", today), nil
}

// IsThisMonth matches rows falling inside the current calendar month.
// The value must be true (match) or false (negate).
func IsThisMonth(column string, value any) (sq.Sqlizer, error) {
	want, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: is_this_month requires a bool", errors.ErrInvalidValue)
	}

	month := nowFunc().Format("2006-01")
	if want {
		return sq.Expr("strftime('%Y-%m', "+column+") = ?", month), nil
	}
	return sq.Expr("NOT (strftime('%Y-%m', "+column+") = ?)", month), nil
}
