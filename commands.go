package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/reporting"
	"github.com/anitrack/anitrack/internal/resources"
)

type CacheFlags struct {
	NoCache bool `help:"Ask the server even if the cached copy is fresh." name:"no-cache"`
	Refresh bool `help:"Ignore cached copies and etags entirely." short:"r"`
}

func (f CacheFlags) options() resources.Options {
	return resources.Options{UseCache: !f.NoCache, ForceRefresh: f.Refresh}
}

type GenresCmd struct {
	CacheFlags
	ID int `arg:"" optional:"" help:"Genre id."`
}

func (c *GenresCmd) Run(ctx context.Context, a *app) error {
	if c.ID != 0 {
		result, err := a.resources.GetGenre(ctx, c.ID, c.options())
		if err != nil {
			return err
		}
		return printResult(a.printer, result)
	}

	result, err := a.resources.GetAllGenres(ctx, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type AnimeCmd struct {
	CacheFlags
	ID int `arg:"" help:"Anime id."`
}

func (c *AnimeCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetAnimeDetails(ctx, c.ID, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type ScheduleCmd struct {
	Day    ScheduleDayCmd    `cmd:"" help:"Episodes airing on one weekday."`
	Week   ScheduleWeekCmd   `cmd:"" help:"Episodes airing this week."`
	Season ScheduleSeasonCmd `cmd:"" help:"Anime airing in a season."`
}

type ScheduleDayCmd struct {
	CacheFlags
	Day string `arg:"" optional:"" help:"Weekday, defaults to today in your timezone."`
}

// today returns the current weekday in the user's preferred timezone
func today(ctx context.Context, a *app, now time.Time) domain.Weekday {
	if name, ok := a.session.Timezone(ctx); ok {
		location, err := time.LoadLocation(name)
		if err == nil {
			return domain.WeekdayOf(now.In(location))
		}
		logging.FromContext(ctx).WarnContext(ctx, "Ignoring unknown timezone preference", "timezone", name)
	}
	return domain.WeekdayOf(now)
}

func (c *ScheduleDayCmd) Run(ctx context.Context, a *app) error {
	day := domain.Weekday(c.Day)
	if c.Day == "" {
		day = today(ctx, a, time.Now())
	}

	result, err := a.resources.GetDaySchedule(ctx, day, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type ScheduleWeekCmd struct {
	CacheFlags
}

func (c *ScheduleWeekCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetWeekSchedule(ctx, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type ScheduleSeasonCmd struct {
	CacheFlags
	Year   int    `arg:"" help:"Year, e.g. 2024."`
	Season string `arg:"" help:"winter, spring, summer or fall."`
}

func (c *ScheduleSeasonCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetSeasonSchedule(ctx, c.Year, domain.Season(c.Season), c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type LeaderboardCmd struct {
	CacheFlags
	Kind string `arg:"" optional:"" default:"weekly" help:"Leaderboard kind."`
	Page int    `default:"1" short:"p" help:"Page number."`
}

func (c *LeaderboardCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetLeaderboard(ctx, c.Kind, c.Page, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type SettingsCmd struct {
	Get SettingsGetCmd `cmd:"" default:"1" help:"Show your settings."`
	Set SettingsSetCmd `cmd:"" help:"Change your settings."`
}

type SettingsGetCmd struct {
	CacheFlags
}

func (c *SettingsGetCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetSettings(ctx, c.options())
	if err != nil {
		return err
	}
	rememberPreferences(ctx, a, result.Data)
	return printResult(a.printer, result)
}

func rememberPreferences(ctx context.Context, a *app, settings domain.Settings) {
	if settings.Theme != "" {
		a.session.SetTheme(ctx, settings.Theme)
	}
	if settings.Timezone != "" {
		a.session.SetTimezone(ctx, settings.Timezone)
	}
}

type SettingsSetCmd struct {
	Theme              string `help:"Theme."`
	Timezone           string `help:"IANA timezone, e.g. Europe/Oslo."`
	Language           string `help:"Interface language."`
	TitleLanguage      string `help:"Preferred title language."`
	Notifications      string `help:"Notifications (on or off)."`
	EmailNotifications string `help:"Email notifications (on or off)."`
	AdultContent       string `help:"Show adult content (on or off)."`
}

func parseSwitch(name, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s must be on or off, got %q", domain.ErrInvalidInput, name, value)
}

// apply returns settings with every given flag applied, and whether anything was given
func (c *SettingsSetCmd) apply(settings domain.Settings) (domain.Settings, bool, error) {
	changed := false

	strs := []struct {
		value  string
		target *string
	}{
		{c.Theme, &settings.Theme},
		{c.Timezone, &settings.Timezone},
		{c.Language, &settings.Language},
		{c.TitleLanguage, &settings.TitleLanguage},
	}
	for _, s := range strs {
		if s.value != "" {
			*s.target = s.value
			changed = true
		}
	}

	switches := []struct {
		name   string
		value  string
		target *bool
	}{
		{"notifications", c.Notifications, &settings.NotificationsEnabled},
		{"email-notifications", c.EmailNotifications, &settings.EmailNotifications},
		{"adult-content", c.AdultContent, &settings.ShowAdultContent},
	}
	for _, s := range switches {
		if s.value == "" {
			continue
		}
		enabled, err := parseSwitch(s.name, s.value)
		if err != nil {
			return domain.Settings{}, false, err
		}
		*s.target = enabled
		changed = true
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return domain.Settings{}, false, fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidInput, c.Timezone)
		}
	}

	return settings, changed, nil
}

func (c *SettingsSetCmd) Run(ctx context.Context, a *app) error {
	current, err := a.resources.GetSettings(ctx, resources.Options{UseCache: true})
	if err != nil {
		return err
	}

	settings, changed, err := c.apply(current.Data)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: nothing to change", domain.ErrInvalidInput)
	}

	updated, err := a.resources.UpdateSettings(ctx, settings)
	if err != nil {
		return err
	}
	rememberPreferences(ctx, a, updated)
	return a.printer.print(updated)
}

type StatsCmd struct {
	CacheFlags
}

func (c *StatsCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetStats(ctx, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type TimezonesCmd struct {
	CacheFlags
}

func (c *TimezonesCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetTimezones(ctx, c.options())
	if err != nil {
		return err
	}
	return printResult(a.printer, result)
}

type AchievementsCmd struct {
	CacheFlags
	Unlocked bool `help:"Only show unlocked achievements."`
}

func (c *AchievementsCmd) Run(ctx context.Context, a *app) error {
	result, err := a.resources.GetAchievements(ctx, c.options())
	if err != nil {
		return err
	}
	if c.Unlocked {
		result.Data = slices.DeleteFunc(result.Data, func(achievement domain.Achievement) bool {
			return !achievement.Unlocked()
		})
	}
	return printResult(a.printer, result)
}

type WhoamiCmd struct{}

func (c *WhoamiCmd) Run(ctx context.Context, a *app) error {
	user, err := a.auth.CurrentUser(ctx)
	if err != nil {
		return err
	}
	return a.printer.print(user)
}

type LoginCmd struct {
	Token string `arg:"" env:"ANITRACK_TOKEN" help:"Access token."`
}

func (c *LoginCmd) Run(ctx context.Context, a *app) error {
	if err := a.auth.Login(ctx, c.Token); err != nil {
		return err
	}

	user, err := a.auth.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify token: %w", err)
	}
	a.printer.notice(fmt.Sprintf("Logged in as %s", user.Username))
	return nil
}

type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx context.Context, a *app) error {
	a.auth.Logout(ctx)
	a.printer.notice("Logged out")
	return nil
}

type WatchCmd struct {
	Since string `help:"Also fetch notifications after this id."`
}

// Run prints notifications until interrupted. SIGHUP retries a connection that gave up.
func (c *WatchCmd) Run(ctx context.Context, a *app) error {
	logger := logging.FromContext(ctx)

	if !a.session.IsAuthenticated(ctx) {
		return domain.ErrUnauthenticated
	}
	if user, err := a.auth.CurrentUser(ctx); err == nil {
		ctx = reporting.SetUserIDInContext(ctx, user.ID)
	} else {
		logger.InfoContext(ctx, "Could not look up the current user", "error", err.Error())
	}
	if c.Since != "" {
		a.session.SetLastNotificationID(ctx, domain.NotificationID(c.Since))
	}

	if err := a.auth.EnsureSocket(ctx); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		a.printer.notice("Could not connect, retrying in the background")
	}

	sub := a.socket.Subscribe(ctx, "watch", func(ctx context.Context, notification domain.Notification) {
		if err := a.printer.print(notification); err != nil {
			logger.ErrorContext(ctx, "Failed to print notification", "error", err.Error())
		}
	})
	defer sub.Cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := a.socket.Retrigger(ctx); err != nil {
				a.printer.notice(fmt.Sprintf("Not reconnecting: %s", err))
			}
		}
	}
}

type ClearCacheCmd struct {
	Family string `arg:"" optional:"" default:"all" enum:"all,genres,anime,schedule,leaderboard,settings,stats,timezones,achievements,etags" help:"What to clear."`
	ID     string `help:"Only clear this entry, e.g. an anime id."`
}

func (c *ClearCacheCmd) Run(ctx context.Context, a *app) error {
	s := a.resources

	switch c.Family {
	case "genres":
		s.ClearGenresCache(ctx, c.ID)
	case "anime":
		s.ClearAnimeCache(ctx, c.ID)
	case "schedule":
		s.ClearScheduleCache(ctx, c.ID)
	case "leaderboard":
		s.ClearLeaderboardCache(ctx, c.ID)
	case "settings":
		s.ClearSettingsCache(ctx)
	case "stats":
		s.ClearStatsCache(ctx)
	case "timezones":
		s.ClearTimezonesCache(ctx)
	case "achievements":
		s.ClearAchievementsCache(ctx)
	case "etags":
		a.etags.ClearAll(ctx)
	case "all":
		s.ClearAll(ctx)
		a.etags.ClearAll(ctx)
	}

	a.printer.notice(fmt.Sprintf("Cleared %s", c.Family))
	return nil
}
