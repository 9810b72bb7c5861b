package entity

// Block represents a one-directional block relationship.
// The pair (user_id, blocked_user_id) is unique; blocking is not symmetric.
type Block struct {
	Id            int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	UserId        string `json:"user_id" gorm:"column:user_id;uniqueIndex:uk_user_blocked,priority:1"`
	BlockedUserId string `json:"blocked_user_id" gorm:"column:blocked_user_id;uniqueIndex:uk_user_blocked,priority:2"`
	CreatedAt     int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for Block
func (Block) TableName() string {
	return "blocks"
}
