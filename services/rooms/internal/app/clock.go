package app

import (
	"time"

	"github.com/YahyaQandel/planning-poker/internal/util"
)

// clock supplies timestamps and record ids to the room components.
type clock struct {
	now   func() time.Time
	newID func() string
}

func (c clock) stamp() time.Time {
	if c.now == nil {
		return time.Now().UTC()
	}
	return c.now().UTC()
}

func (c clock) id() string {
	if c.newID == nil {
		return util.NewUUID()
	}
	return c.newID()
}
