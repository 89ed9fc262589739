package scheduler

import (
	"fmt"
	"strings"
	"time"
)

type cadenceKind int

const (
	cadenceHourly cadenceKind = iota + 1
	cadenceDaily
	cadenceEvery
)

// Cadence はジョブの実行周期。@hourly、@daily、@every <duration> を表す。
// 次回実行時刻は周期の基準時刻に揃えるため、実行時間の長さによるずれが蓄積しない。
type Cadence struct {
	kind  cadenceKind
	every time.Duration
}

// ParseCadence は周期式を解析する。
func ParseCadence(expr string) (Cadence, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "@hourly":
		return Cadence{kind: cadenceHourly}, nil
	case expr == "@daily" || expr == "@midnight":
		return Cadence{kind: cadenceDaily}, nil
	case strings.HasPrefix(expr, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
		if err != nil {
			return Cadence{}, fmt.Errorf("invalid cadence %q: %w", expr, err)
		}
		if d < time.Second {
			return Cadence{}, fmt.Errorf("invalid cadence %q: interval must be at least 1s", expr)
		}
		return Cadence{kind: cadenceEvery, every: d}, nil
	default:
		return Cadence{}, fmt.Errorf("invalid cadence %q: expected @hourly, @daily or @every <duration>", expr)
	}
}

// MustParseCadence はParseCadenceの失敗時にpanicする。定数の周期式に使用する。
func MustParseCadence(expr string) Cadence {
	c, err := ParseCadence(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Next はafterより後の最初の実行時刻を返す。
// 停止期間があっても過去の実行枠は遡らず、次の未来の枠を返す。
func (c Cadence) Next(after time.Time) time.Time {
	switch c.kind {
	case cadenceHourly:
		return after.Truncate(time.Hour).Add(time.Hour)
	case cadenceDaily:
		y, m, d := after.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, after.Location())
	case cadenceEvery:
		return after.Truncate(c.every).Add(c.every)
	default:
		return time.Time{}
	}
}

// String は周期式を返す。
func (c Cadence) String() string {
	switch c.kind {
	case cadenceHourly:
		return "@hourly"
	case cadenceDaily:
		return "@daily"
	case cadenceEvery:
		return "@every " + c.every.String()
	default:
		return ""
	}
}
