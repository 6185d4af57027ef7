package model

import "time"

// Channel 通知渠道
type Channel string

const (
	ChannelInApp Channel = "inapp"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// Category 通知偏好类别
type Category string

const (
	CategoryAnnounce Category = "announce"
	CategoryMessage  Category = "message"
	CategoryPayment  Category = "payment"
	CategoryJob      Category = "job"
	CategoryQuote    Category = "quote"
	CategoryReview   Category = "review"
	CategoryBooking  Category = "booking"
)

// Categories lists every preference category a user can configure.
var Categories = []Category{
	CategoryAnnounce,
	CategoryMessage,
	CategoryPayment,
	CategoryJob,
	CategoryQuote,
	CategoryReview,
	CategoryBooking,
}

// Notification 持久化的通知记录。channel_* 记录分发时的决策，
// delivered_* 记录实际投递完成情况；delivered 永远不会先于 enabled。
type Notification struct {
	ID        int64
	UserID    int64
	ProfileID *int64
	Role      string
	Type      string
	Title     string
	Body      string
	ActionURL *string
	Metadata  map[string]any

	ChannelInApp bool
	ChannelPush  bool
	ChannelEmail bool

	DeliveredInApp bool
	DeliveredPush  bool
	DeliveredEmail bool

	CreatedAt time.Time
}

// ChannelPrefs 单个类别下三个渠道的开关
type ChannelPrefs struct {
	InApp bool
	Push  bool
	Email bool
}

// NotificationPreferences 按 (user_id, role) 维度的通知偏好。
// 同一个用户作为 homeowner 和 provider 可以有不同的偏好。
type NotificationPreferences struct {
	ID     int64
	UserID int64
	Role   string

	ByCategory map[Category]ChannelPrefs

	QuietHoursStart string // "HH:MM"，为空时取默认 22:00
	QuietHoursEnd   string // "HH:MM"，为空时取默认 08:00

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultChannelPrefs 每个类别的默认值：站内开、push/email 关
func DefaultChannelPrefs() ChannelPrefs {
	return ChannelPrefs{InApp: true, Push: false, Email: false}
}

// DefaultPreferences builds the lazily-created preference row for a user.
func DefaultPreferences(userID int64, role string) *NotificationPreferences {
	byCat := make(map[Category]ChannelPrefs, len(Categories))
	for _, c := range Categories {
		byCat[c] = DefaultChannelPrefs()
	}
	return &NotificationPreferences{
		UserID:          userID,
		Role:            role,
		ByCategory:      byCat,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "08:00",
	}
}

// OutboxEntry 异步渠道（push/email）的投递队列行。
// 核心只创建 pending 行；状态转移由 Retry Worker 负责。
type OutboxEntry struct {
	ID             int64
	NotificationID int64
	Channel        Channel // push / email
	Status         string  // pending / sent / failed
	RetryCount     int
	NextRetryAt    *time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FollowUpAction 延迟执行的跟进动作（如 payment 后 24h 的评价请求）。
// 本核心只写入 pending 行，到期处理由 worker 的扫描循环负责。
type FollowUpAction struct {
	ID            int64
	HomeownerID   int64
	ProviderOrgID *int64
	BookingID     *int64
	ActionType    string // review_request
	ScheduledFor  time.Time
	Status        string // pending / completed
	CreatedAt     time.Time
}

// Invoice 只保留核心需要的字段（以 booking_id 做幂等键）
type Invoice struct {
	ID          int64
	BookingID   int64
	AmountCents int64
	Status      string
	CreatedAt   time.Time
}

// User API 鉴权用户
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
