package models

// PartitionRequest addresses one partition by path.
type PartitionRequest struct {
	Market   string `param:"market" json:"market" validate:"required,ident"`
	Leader   string `param:"leader" json:"leader" validate:"required,ident"`
	Follower string `param:"follower" json:"follower" validate:"required,ident,nefield=Leader"`
}

func (r PartitionRequest) Key() PartitionKey {
	return PartitionKey{Market: r.Market, Pair: EntityPair{Leader: r.Leader, Follower: r.Follower}}
}

type EvidenceRequest struct {
	ID string `param:"id" json:"id" validate:"required,uuid"`
}

type EvidenceListRequest struct {
	Market   string `query:"market" json:"market" validate:"required,ident"`
	Leader   string `query:"leader" json:"leader" validate:"required,ident"`
	Follower string `query:"follower" json:"follower" validate:"required,ident,nefield=Leader"`
	Limit    int    `query:"limit" json:"limit" default:"20" validate:"gte=1,lte=200"`
}

func (r EvidenceListRequest) Key() PartitionKey {
	return PartitionKey{Market: r.Market, Pair: EntityPair{Leader: r.Leader, Follower: r.Follower}}
}

// AnalysisRequest runs a stateless cycle over [From, To). Times are RFC3339 or unix seconds.
type AnalysisRequest struct {
	Market   string `param:"market" json:"market" validate:"required,ident"`
	Leader   string `param:"leader" json:"leader" validate:"required,ident"`
	Follower string `param:"follower" json:"follower" validate:"required,ident,nefield=Leader"`
	From     string `query:"from" json:"from"`
	To       string `query:"to" json:"to"`
	Step     string `query:"step" json:"step" default:"1m" validate:"oneof=1s 1m 5m 1h"`
}

func (r AnalysisRequest) Key() PartitionKey {
	return PartitionKey{Market: r.Market, Pair: EntityPair{Leader: r.Leader, Follower: r.Follower}}
}
