package postgres

import (
	"context"
	"fmt"
	"time"

	"mdprovider/pkg/market"

	"gorm.io/gorm/clause"
)

func (p *PostgresClient) InsertKline(ctx context.Context, record *KlineRecord) error {
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval"},
			{Name: "start"},
			{Name: "confirm"},
		},
		DoNothing: true,
	}).Create(record)

	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return fmt.Errorf(
			"duplicate kline skipped: symbol=%s interval=%s start=%s confirm=%t",
			record.Symbol,
			record.Interval,
			record.Start.Format(time.RFC3339),
			record.Confirm,
		)
	}

	return nil
}

// SaveKlines archives every bar of a fetched series. Bars already in the
// table are skipped silently; the archive path must never fail a fetch
// over duplicates.
func (p *PostgresClient) SaveKlines(ctx context.Context, series market.KlineSeries) error {
	if series.Len() == 0 {
		return nil
	}

	records := make([]KlineRecord, 0, series.Len())
	for _, bar := range series.Bars {
		records = append(records, toKlineRecord(series.Symbol, series.Interval, bar))
	}

	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval"},
			{Name: "start"},
			{Name: "confirm"},
		},
		DoNothing: true,
	}).CreateInBatches(records, 200)

	return tx.Error
}

func (p *PostgresClient) GetKline(ctx context.Context, symbol, interval string, start time.Time) (*KlineRecord, error) {
	var kline KlineRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND start = ?", symbol, interval, start).
		First(&kline).Error

	if err != nil {
		return nil, err
	}
	return &kline, nil
}

// GetKlineRange returns archived bars ascending by start time.
func (p *PostgresClient) GetKlineRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]KlineRecord, error) {
	var klines []KlineRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND start >= ? AND start < ?", symbol, interval, from, to).
		Order("start asc").
		Find(&klines).Error

	if err != nil {
		return nil, err
	}
	return klines, nil
}

func (p *PostgresClient) DeleteOldKlines(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("start < ?", before).
		Delete(&KlineRecord{}).Error
}

func toKlineRecord(symbol, interval string, k market.Kline) KlineRecord {
	return KlineRecord{
		Symbol:       symbol,
		Interval:     interval,
		Start:        k.Start,
		End:          k.End,
		Open:         k.Open,
		Close:        k.Close,
		High:         k.High,
		Low:          k.Low,
		Volume:       k.Volume,
		Turnover:     k.Turnover,
		OpenInterest: k.OpenInterest,
		Confirm:      k.Confirm,
	}
}
