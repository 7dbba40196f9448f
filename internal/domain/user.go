package domain

import "time"

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Settings struct {
	Theme                string `json:"theme"`
	Timezone             string `json:"timezone"`
	Language             string `json:"language,omitempty"`
	TitleLanguage        string `json:"title_language,omitempty"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	EmailNotifications   bool   `json:"email_notifications"`
	ShowAdultContent     bool   `json:"show_adult_content"`
}

type Stats struct {
	AnimeWatched    int     `json:"anime_watched"`
	EpisodesWatched int     `json:"episodes_watched"`
	MinutesWatched  int     `json:"minutes_watched"`
	MeanScore       float64 `json:"mean_score"`
	Completed       int     `json:"completed"`
	Watching        int     `json:"watching"`
	PlanToWatch     int     `json:"plan_to_watch"`
	Dropped         int     `json:"dropped"`
}

type Timezone struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Offset string `json:"offset"`
}

type Achievement struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Icon        string     `json:"icon,omitempty"`
	Progress    int        `json:"progress"`
	Goal        int        `json:"goal"`
	UnlockedAt  *time.Time `json:"unlocked_at"`
}

func (a Achievement) Unlocked() bool {
	return a.UnlockedAt != nil
}
