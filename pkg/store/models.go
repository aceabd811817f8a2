package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Child rows cascade on room deletion.
type RoomModel struct {
	Code           string  `gorm:"primaryKey;size:16"`
	SessionName    string  `gorm:"size:255;not null"`
	CurrentStoryID *string `gorm:"size:36"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Participants []ParticipantModel `gorm:"foreignKey:RoomCode;references:Code;constraint:OnDelete:CASCADE"`
	Stories      []StoryModel       `gorm:"foreignKey:RoomCode;references:Code;constraint:OnDelete:CASCADE"`
	Votes        []VoteModel        `gorm:"foreignKey:RoomCode;references:Code;constraint:OnDelete:CASCADE"`
	Activity     []ActivityModel    `gorm:"foreignKey:RoomCode;references:Code;constraint:OnDelete:CASCADE"`
}

type ParticipantModel struct {
	ID           string `gorm:"primaryKey;size:36"`
	RoomCode     string `gorm:"size:16;not null;uniqueIndex:idx_participant_room_username"`
	Username     string `gorm:"size:50;not null;uniqueIndex:idx_participant_room_username"`
	SessionToken string `gorm:"size:100"`
	Connected    bool   `gorm:"not null"`
	JoinedAt     time.Time
	LastSeen     time.Time
}

type StoryModel struct {
	ID          string  `gorm:"primaryKey;size:36"`
	RoomCode    string  `gorm:"size:16;not null;index:idx_story_room_order,priority:1"`
	Label       string  `gorm:"column:story_id;size:100;index"`
	Title       string  `gorm:"size:255"`
	FinalPoints *string `gorm:"size:10"`
	EstimatedAt *time.Time
	Order       int       `gorm:"column:sort_order;not null;index:idx_story_room_order,priority:2"`
	CreatedAt   time.Time `gorm:"index:idx_story_room_order,priority:3"`
}

type VoteModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	RoomCode      string `gorm:"size:16;not null;index"`
	ParticipantID string `gorm:"size:36;not null;uniqueIndex:idx_vote_participant_story"`
	StoryID       string `gorm:"size:36;not null;uniqueIndex:idx_vote_participant_story;index"`
	Value         string `gorm:"size:10;not null"`
	Revealed      bool   `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Participant ParticipantModel `gorm:"foreignKey:ParticipantID;constraint:OnDelete:CASCADE"`
	Story       StoryModel       `gorm:"foreignKey:StoryID;constraint:OnDelete:CASCADE"`
}

type ActivityModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	RoomCode      string `gorm:"size:16;not null;index:idx_activity_room_at,priority:1"`
	Action        string `gorm:"size:32;not null"`
	ParticipantID string `gorm:"size:36"`
	StoryID       string `gorm:"size:36"`
	Detail        datatypes.JSON
	DurationMs    int64
	At            time.Time `gorm:"not null;index:idx_activity_room_at,priority:2"`
}
