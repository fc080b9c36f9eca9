package user

import "time"

type User struct {
	UserID        string       `json:"userId" bson:"user_id"`
	Phone         string       `json:"phone" bson:"phone"`
	Name          string       `json:"name" bson:"name"`
	Role          string       `json:"role" bson:"role"`
	IsOnline      bool         `json:"isOnline" bson:"is_online"`
	IsChatOnline  bool         `json:"isChatOnline" bson:"is_chat_online"`
	IsAudioOnline bool         `json:"isAudioOnline" bson:"is_audio_online"`
	IsVideoOnline bool         `json:"isVideoOnline" bson:"is_video_online"`
	IsAvailable   bool         `json:"isAvailable" bson:"is_available"`
	Skills        []string     `json:"skills,omitempty" bson:"skills,omitempty"`
	Price         float64      `json:"price" bson:"price"`
	WalletBalance float64      `json:"walletBalance" bson:"wallet_balance"`
	TotalEarnings float64      `json:"totalEarnings" bson:"total_earnings"`
	PushToken     string       `json:"-" bson:"push_token,omitempty"`
	LastSeen      time.Time    `json:"lastSeen" bson:"last_seen"`
	CreatedAt     time.Time    `json:"createdAt" bson:"created_at"`
}

// Role constants
const (
	RoleClient  = "client"
	RoleAdvisor = "advisor"
	RoleAdmin   = "admin"
)

// Availability holds the per-service-kind online flags an advisor toggles.
type Availability struct {
	Chat  bool
	Audio bool
	Video bool
}

// Any reports whether the advisor is reachable over at least one kind.
func (a Availability) Any() bool {
	return a.Chat || a.Audio || a.Video
}

func (u *User) Availability() Availability {
	return Availability{
		Chat:  u.IsChatOnline,
		Audio: u.IsAudioOnline,
		Video: u.IsVideoOnline,
	}
}

func (u *User) IsAdvisor() bool {
	return u.Role == RoleAdvisor
}
