// Package scheduler runs the daily dispatch jobs.
//
// It keeps a registry of daily triggers and one polling loop that checks the
// registry every tick. Each trigger's next run is computed with a robfig/cron
// daily spec in the scheduler timezone. A job fires at most once per calendar
// day, and job actions never overlap, even across Stop/Start.
package scheduler
