package resources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anitrack/anitrack/internal/apiclient"
	"github.com/anitrack/anitrack/internal/domain"
)

const (
	GenresPrefix       = "genres"
	AnimePrefix        = "anime"
	SchedulePrefix     = "schedule"
	LeaderboardPrefix  = "leaderboard"
	SettingsPrefix     = "settings"
	StatsPrefix        = "stats"
	TimezonesPrefix    = "timezones"
	AchievementsPrefix = "achievements"
)

const (
	GenresTTL         = 7 * 24 * time.Hour
	AnimeTTL          = 6 * time.Hour
	DayScheduleTTL    = 30 * time.Minute
	WeekScheduleTTL   = 3 * time.Hour
	SeasonScheduleTTL = 24 * time.Hour
	LeaderboardTTL    = 5 * time.Minute
	SettingsTTL       = 1 * time.Hour
	StatsTTL          = 15 * time.Minute
	TimezonesTTL      = 30 * 24 * time.Hour
	AchievementsTTL   = 7 * 24 * time.Hour
)

func (s *Service) genres() resource[[]domain.Genre] {
	return newResource[[]domain.Genre](s, GenresPrefix, GenresTTL)
}

func (s *Service) GetAllGenres(ctx context.Context, opts Options) (domain.Result[[]domain.Genre], error) {
	return s.genres().get(ctx, "", "/genres", nil, opts)
}

func (s *Service) GetGenre(ctx context.Context, id int, opts Options) (domain.Result[domain.Genre], error) {
	if id <= 0 {
		return domain.Result[domain.Genre]{}, fmt.Errorf("%w: genre id must be positive, got %d", domain.ErrInvalidInput, id)
	}
	genre := newResource[domain.Genre](s, GenresPrefix, GenresTTL)
	return genre.get(ctx, strconv.Itoa(id), fmt.Sprintf("/genres/%d", id), nil, opts)
}

// ClearGenresCache clears one genre by id, or the genre list and every genre if id is empty
func (s *Service) ClearGenresCache(ctx context.Context, id string) {
	s.genres().clear(ctx, id)
}

func (s *Service) anime() resource[domain.Anime] {
	return newResource[domain.Anime](s, AnimePrefix, AnimeTTL)
}

func (s *Service) GetAnimeDetails(ctx context.Context, id int, opts Options) (domain.Result[domain.Anime], error) {
	if id <= 0 {
		return domain.Result[domain.Anime]{}, fmt.Errorf("%w: anime id must be positive, got %d", domain.ErrInvalidInput, id)
	}
	return s.anime().get(ctx, strconv.Itoa(id), fmt.Sprintf("/anime/%d", id), nil, opts)
}

func (s *Service) ClearAnimeCache(ctx context.Context, id string) {
	s.anime().clear(ctx, id)
}

// Schedule cache ids, usable with ClearScheduleCache
func DayScheduleID(day domain.Weekday) string {
	return "day:" + string(day)
}

const WeekScheduleID = "week"

func SeasonScheduleID(year int, season domain.Season) string {
	return fmt.Sprintf("season:%d:%s", year, season)
}

func (s *Service) GetDaySchedule(ctx context.Context, day domain.Weekday, opts Options) (domain.Result[domain.DaySchedule], error) {
	parsed, err := domain.ParseWeekday(string(day))
	if err != nil {
		return domain.Result[domain.DaySchedule]{}, err
	}
	schedule := newResource[domain.DaySchedule](s, SchedulePrefix, DayScheduleTTL)
	return schedule.get(ctx, DayScheduleID(parsed), "/schedule/day/"+string(parsed), nil, opts)
}

func (s *Service) GetWeekSchedule(ctx context.Context, opts Options) (domain.Result[domain.WeekSchedule], error) {
	schedule := newResource[domain.WeekSchedule](s, SchedulePrefix, WeekScheduleTTL)
	return schedule.get(ctx, WeekScheduleID, "/schedule/week", nil, opts)
}

func (s *Service) GetSeasonSchedule(ctx context.Context, year int, season domain.Season, opts Options) (domain.Result[domain.SeasonSchedule], error) {
	parsed, err := domain.ParseSeason(string(season))
	if err != nil {
		return domain.Result[domain.SeasonSchedule]{}, err
	}
	if year < 1900 || year > 3000 {
		return domain.Result[domain.SeasonSchedule]{}, fmt.Errorf("%w: implausible year %d", domain.ErrInvalidInput, year)
	}
	schedule := newResource[domain.SeasonSchedule](s, SchedulePrefix, SeasonScheduleTTL)
	return schedule.get(ctx, SeasonScheduleID(year, parsed), fmt.Sprintf("/schedule/season/%d/%s", year, parsed), nil, opts)
}

func (s *Service) ClearScheduleCache(ctx context.Context, id string) {
	newResource[any](s, SchedulePrefix, 0).clear(ctx, id)
}

func LeaderboardID(kind string, page int) string {
	return fmt.Sprintf("%s:%d", kind, page)
}

func (s *Service) leaderboard() resource[domain.Leaderboard] {
	return newResource[domain.Leaderboard](s, LeaderboardPrefix, LeaderboardTTL)
}

func (s *Service) GetLeaderboard(ctx context.Context, kind string, page int, opts Options) (domain.Result[domain.Leaderboard], error) {
	if kind == "" {
		return domain.Result[domain.Leaderboard]{}, fmt.Errorf("%w: leaderboard kind is required", domain.ErrInvalidInput)
	}
	if page < 1 {
		return domain.Result[domain.Leaderboard]{}, fmt.Errorf("%w: page must be at least 1, got %d", domain.ErrInvalidInput, page)
	}
	params := url.Values{
		"kind": {kind},
		"page": {strconv.Itoa(page)},
	}
	return s.leaderboard().get(ctx, LeaderboardID(kind, page), "/leaderboard", params, opts)
}

func (s *Service) ClearLeaderboardCache(ctx context.Context, id string) {
	s.leaderboard().clear(ctx, id)
}

func (s *Service) settings() resource[domain.Settings] {
	return newResource[domain.Settings](s, SettingsPrefix, SettingsTTL)
}

func (s *Service) GetSettings(ctx context.Context, opts Options) (domain.Result[domain.Settings], error) {
	return s.settings().get(ctx, "", "/user/settings", nil, opts)
}

// UpdateSettings saves the settings and replaces the cached copy with what the server returned
func (s *Service) UpdateSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	resp, err := s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   "/user/settings",
		Body:   settings,
	})
	if err != nil {
		return domain.Settings{}, err
	}

	if len(resp.Data) == 0 {
		// Nothing echoed back, what we sent is the new state
		s.ClearSettingsCache(ctx)
		return settings, nil
	}

	updated, err := decode[domain.Settings](resp.Data)
	if err != nil {
		s.ClearSettingsCache(ctx)
		return domain.Settings{}, fmt.Errorf("%w: /user/settings: %w", domain.ErrResource, err)
	}

	s.settings().overwrite(ctx, "", resp.Data)
	return updated, nil
}

func (s *Service) ClearSettingsCache(ctx context.Context) {
	s.settings().clear(ctx, "")
}

func (s *Service) GetStats(ctx context.Context, opts Options) (domain.Result[domain.Stats], error) {
	return newResource[domain.Stats](s, StatsPrefix, StatsTTL).get(ctx, "", "/user/stats", nil, opts)
}

func (s *Service) ClearStatsCache(ctx context.Context) {
	newResource[domain.Stats](s, StatsPrefix, StatsTTL).clear(ctx, "")
}

func (s *Service) GetTimezones(ctx context.Context, opts Options) (domain.Result[[]domain.Timezone], error) {
	return newResource[[]domain.Timezone](s, TimezonesPrefix, TimezonesTTL).get(ctx, "", "/timezones", nil, opts)
}

func (s *Service) ClearTimezonesCache(ctx context.Context) {
	newResource[[]domain.Timezone](s, TimezonesPrefix, TimezonesTTL).clear(ctx, "")
}

func (s *Service) GetAchievements(ctx context.Context, opts Options) (domain.Result[[]domain.Achievement], error) {
	return newResource[[]domain.Achievement](s, AchievementsPrefix, AchievementsTTL).get(ctx, "", "/user/achievements", nil, opts)
}

func (s *Service) ClearAchievementsCache(ctx context.Context) {
	newResource[[]domain.Achievement](s, AchievementsPrefix, AchievementsTTL).clear(ctx, "")
}

// ClearUserCaches clears every family that belongs to the logged in user
func (s *Service) ClearUserCaches(ctx context.Context) {
	s.ClearSettingsCache(ctx)
	s.ClearStatsCache(ctx)
	s.ClearAchievementsCache(ctx)
}

// ClearAll clears every family
func (s *Service) ClearAll(ctx context.Context) {
	s.ClearGenresCache(ctx, "")
	s.ClearAnimeCache(ctx, "")
	s.ClearScheduleCache(ctx, "")
	s.ClearLeaderboardCache(ctx, "")
	s.ClearTimezonesCache(ctx)
	s.ClearUserCaches(ctx)
}
