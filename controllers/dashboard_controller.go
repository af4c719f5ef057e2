package controllers

import (
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/services"
	"github.com/cppla/visitcounter/utils"
)

const (
	defaultTrendDays = 7
	maxTrendDays     = 90
	recentVisits     = 10
)

// DashboardController aggregates counters and visit logs for the admin overview.
type DashboardController struct {
	counters *services.CounterService
	logs     *services.LogService
	users    repository.UserStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewDashboardController(counters *services.CounterService, logs *services.LogService, users repository.UserStore, logger *zap.Logger) *DashboardController {
	return &DashboardController{counters: counters, logs: logs, users: users, logger: logger, now: time.Now}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Summary returns total visits over all counters, the number of counters, today's visits
// and the number of admin users.
func (d *DashboardController) Summary(ctx *gin.Context) {
	list, err := d.counters.List(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, d.logger, err)
		return
	}
	var total int64
	for _, c := range list {
		total += c.Count
	}

	today := startOfDay(d.now())
	todayVisits, err := d.logs.CountBetween(ctx.Request.Context(), today, today.AddDate(0, 0, 1))
	if err != nil {
		serviceError(ctx, d.logger, err)
		return
	}
	totalUsers, err := d.users.Count(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, d.logger, err)
		return
	}
	utils.Success(ctx, gin.H{
		"total_visits": total,
		"total_sites":  len(list),
		"today_visits": todayVisits,
		"total_users":  totalUsers,
	})
}

type trendPoint struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Trend returns visits per day for the last ?days= days (default 7), oldest first.
// Days without visits are reported with a zero count.
func (d *DashboardController) Trend(ctx *gin.Context) {
	days := defaultTrendDays
	if n, err := strconv.Atoi(ctx.Query("days")); err == nil && n > 0 {
		days = min(n, maxTrendDays)
	}

	today := startOfDay(d.now())
	points := make([]trendPoint, 0, days)
	for i := days - 1; i >= 0; i-- {
		from := today.AddDate(0, 0, -i)
		n, err := d.logs.CountBetween(ctx.Request.Context(), from, from.AddDate(0, 0, 1))
		if err != nil {
			serviceError(ctx, d.logger, err)
			return
		}
		points = append(points, trendPoint{Date: from.Format("2006-01-02"), Count: n})
	}
	utils.Success(ctx, points)
}

type distributionItem struct {
	ID          int64  `json:"id"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Count       int64  `json:"count"`
}

// Distribution lists counters by count, highest first.
func (d *DashboardController) Distribution(ctx *gin.Context) {
	list, err := d.counters.List(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, d.logger, err)
		return
	}
	items := make([]distributionItem, 0, len(list))
	for _, c := range list {
		items = append(items, distributionItem{ID: c.ID, Target: c.Target, Description: c.Description, Count: c.Count})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Count > items[j].Count })
	utils.Success(ctx, items)
}

type recentVisit struct {
	ID         int64     `json:"id"`
	CounterID  int64     `json:"counter_id"`
	Target     string    `json:"target"`
	IPAddress  string    `json:"ip_address"`
	CreateTime time.Time `json:"create_time"`
}

// Recent returns the latest visits with their counter target.
func (d *DashboardController) Recent(ctx *gin.Context) {
	entries, err := d.logs.Recent(ctx.Request.Context(), recentVisits)
	if err != nil {
		serviceError(ctx, d.logger, err)
		return
	}
	list, err := d.counters.List(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, d.logger, err)
		return
	}
	targets := make(map[int64]string, len(list))
	for _, c := range list {
		targets[c.ID] = c.Target
	}

	out := make([]recentVisit, 0, len(entries))
	for _, e := range entries {
		out = append(out, recentVisit{
			ID:         e.ID,
			CounterID:  e.CounterID,
			Target:     targets[e.CounterID],
			IPAddress:  e.IPAddress,
			CreateTime: e.CreateTime,
		})
	}
	utils.Success(ctx, out)
}
