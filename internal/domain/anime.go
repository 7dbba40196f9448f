package domain

import (
	"fmt"
	"strings"
	"time"
)

type Genre struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	AnimeCount int    `json:"anime_count"`
}

type Anime struct {
	ID            int     `json:"id"`
	Title         string  `json:"title"`
	TitleEnglish  string  `json:"title_english,omitempty"`
	TitleJapanese string  `json:"title_japanese,omitempty"`
	Synopsis      string  `json:"synopsis,omitempty"`
	Type          string  `json:"type,omitempty"`
	Status        string  `json:"status,omitempty"`
	Episodes      int     `json:"episodes"`
	Score         float64 `json:"score"`
	Season        Season  `json:"season,omitempty"`
	Year          int     `json:"year,omitempty"`
	ImageURL      string  `json:"image_url,omitempty"`
	Genres        []Genre `json:"genres"`
}

type ScheduleEntry struct {
	AnimeID  int       `json:"anime_id"`
	Title    string    `json:"title"`
	Episode  int       `json:"episode"`
	AiringAt time.Time `json:"airing_at"`
	ImageURL string    `json:"image_url,omitempty"`
}

// DaySchedule lists the episodes airing on one weekday
type DaySchedule struct {
	Day     Weekday         `json:"day"`
	Entries []ScheduleEntry `json:"entries"`
}

type WeekSchedule struct {
	Days []DaySchedule `json:"days"`
}

type SeasonSchedule struct {
	Year   int     `json:"year"`
	Season Season  `json:"season"`
	Anime  []Anime `json:"anime"`
}

type LeaderboardEntry struct {
	Rank      int     `json:"rank"`
	UserID    string  `json:"user_id"`
	Username  string  `json:"username"`
	Score     float64 `json:"score"`
	AvatarURL string  `json:"avatar_url,omitempty"`
}

type Leaderboard struct {
	Kind       string             `json:"kind"`
	Page       int                `json:"page"`
	TotalPages int                `json:"total_pages"`
	Entries    []LeaderboardEntry `json:"entries"`
}

type Weekday string

var weekdays = []Weekday{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

func ParseWeekday(raw string) (Weekday, error) {
	lower := Weekday(strings.ToLower(strings.TrimSpace(raw)))
	for _, day := range weekdays {
		if day == lower {
			return day, nil
		}
	}
	return "", fmt.Errorf("%w: unknown weekday %q", ErrInvalidInput, raw)
}

func WeekdayOf(t time.Time) Weekday {
	// time.Weekday starts on sunday
	return weekdays[(int(t.Weekday())+6)%7]
}

type Season string

const (
	SeasonWinter Season = "winter"
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonFall   Season = "fall"
)

func ParseSeason(raw string) (Season, error) {
	switch Season(strings.ToLower(strings.TrimSpace(raw))) {
	case SeasonWinter:
		return SeasonWinter, nil
	case SeasonSpring:
		return SeasonSpring, nil
	case SeasonSummer:
		return SeasonSummer, nil
	case SeasonFall, "autumn":
		return SeasonFall, nil
	}
	return "", fmt.Errorf("%w: unknown season %q", ErrInvalidInput, raw)
}
