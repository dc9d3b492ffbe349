package models

// 币安 USDⓈ-M 合约 WebSocket 推送的原始结构

// TradeEvent 定义了来自 aggTrade 流的成交事件
type TradeEvent struct {
	EventType string `json:"e"` // Event type
	EventTime int64  `json:"E"` // Event time
	Symbol    string `json:"s"` // Symbol
	TradeID   int64  `json:"a"` // Aggregate trade ID
	Price     string `json:"p"` // Price
	Quantity  string `json:"q"` // Quantity
	TradeTime int64  `json:"T"` // Trade time
	IsMaker   bool   `json:"m"` // Is the buyer the market maker?
}

// UserDataHeader 用于先判断用户数据流事件类型
type UserDataHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// OrderUpdateEvent 是从用户数据流接收到的订单更新事件的完整结构
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"` // Event time
	TransactionTime int64           `json:"T"` // Transaction time
	Order           OrderUpdateInfo `json:"o"` // Order information
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol          string `json:"s"`  // Symbol
	ClientOrderID   string `json:"c"`  // Client Order ID
	Side            string `json:"S"`  // Side
	OrderType       string `json:"o"`  // Order Type
	OrigQty         string `json:"q"`  // Original Quantity
	Price           string `json:"p"`  // Price
	AvgPrice        string `json:"ap"` // Average Price
	ExecutionType   string `json:"x"`  // Execution Type
	Status          string `json:"X"`  // Order Status
	OrderID         int64  `json:"i"`  // Order ID
	LastFilledQty   string `json:"l"`  // Last Executed Quantity
	CumQty          string `json:"z"`  // Cumulative Filled Quantity
	LastFilledPrice string `json:"L"`  // Last Executed Price
	TradeTime       int64  `json:"T"`  // Trade Time
	IsReduceOnly    bool   `json:"R"`  // Is this a reduce only order?
	RealizedProfit  string `json:"rp"` // Realized Profit of the trade
}

// ListenKeyExpiredEvent listenKey 过期通知
type ListenKeyExpiredEvent struct {
	EventType string `json:"e"` // "listenKeyExpired"
	EventTime int64  `json:"E"`
}
