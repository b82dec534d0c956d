package handler

type LatestParams struct {
	Limit int `validate:"gte=1,lte=100"`
	Page  int `validate:"gte=1,lte=10000"`
}

type IDParam struct {
	ID int64 `validate:"required,gt=0"`
}
