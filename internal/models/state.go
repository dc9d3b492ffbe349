package models

import "time"

// SessionState 定义了需要持久化的所有关键数据
type SessionState struct {
	SessionID      string                  `json:"session_id"`
	Version        int                     `json:"version"` // 状态模型的版本号，用于未来迁移
	Risk           RiskState               `json:"risk"`
	CoverLoss      CoverLossState          `json:"cover_loss"`
	Symbols        map[string]*SymbolState `json:"symbols"`
	LastUpdateTime time.Time               `json:"last_update_time"`
}

// SymbolState 单个交易对的网格与持仓快照
type SymbolState struct {
	Symbol     string      `json:"symbol"`
	Generation int         `json:"generation"`
	Low        float64     `json:"low"`
	High       float64     `json:"high"`
	Levels     []GridLevel `json:"levels"`
	Position   Position    `json:"position"`
	OrderSeq   uint64      `json:"order_seq"` // client id 序号，重启后继续递增
}

// Clone 深拷贝
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Symbols != nil {
		cp.Symbols = make(map[string]*SymbolState, len(s.Symbols))
		for k, v := range s.Symbols {
			if v == nil {
				continue
			}
			sym := *v
			if v.Levels != nil {
				sym.Levels = make([]GridLevel, len(v.Levels))
				copy(sym.Levels, v.Levels)
			}
			cp.Symbols[k] = &sym
		}
	}
	return &cp
}

// NewSessionState 创建空的会话状态
func NewSessionState(sessionID string, now time.Time) *SessionState {
	return &SessionState{
		SessionID:      sessionID,
		Version:        1,
		CoverLoss:      CoverLossState{CurrentMultiplier: 1},
		Symbols:        make(map[string]*SymbolState),
		LastUpdateTime: now,
	}
}
