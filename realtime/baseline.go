package realtime

import (
	"context"

	"github.com/golang/glog"
)

// builds baseline fetches, one per projection scope, over the REST api.
// a baseline is an authoritative snapshot used to seed or repair the
// store: at projection mount, on filter change, on pull-to-refresh, and
// after a connection gap. merging follows the store floor rule, so a
// baseline can never clobber newer state learned from a delta.
type BaselineLoader struct {
	api *PitchsideApi
}

func NewBaselineLoader(api *PitchsideApi) *BaselineLoader {
	return &BaselineLoader{
		api: api,
	}
}

func (self *BaselineLoader) GamesByDate(date string) BaselineFunction {
	return func(ctx context.Context) ([]Entity, error) {
		result, err := self.api.GamesSync(date, "", nil)
		if err != nil {
			glog.V(1).Infof("[base]games date=%s error = %s\n", date, err)
			return nil, err
		}
		entities := make([]Entity, 0, len(result.Games))
		for _, game := range result.Games {
			entities = append(entities, game)
		}
		return entities, nil
	}
}

func (self *BaselineLoader) GamesByCity(city string) BaselineFunction {
	return func(ctx context.Context) ([]Entity, error) {
		result, err := self.api.GamesSync("", city, nil)
		if err != nil {
			glog.V(1).Infof("[base]games city=%s error = %s\n", city, err)
			return nil, err
		}
		entities := make([]Entity, 0, len(result.Games))
		for _, game := range result.Games {
			entities = append(entities, game)
		}
		return entities, nil
	}
}

func (self *BaselineLoader) Series() BaselineFunction {
	return func(ctx context.Context) ([]Entity, error) {
		result, err := self.api.SeriesListSync(nil)
		if err != nil {
			glog.V(1).Infof("[base]series error = %s\n", err)
			return nil, err
		}
		entities := make([]Entity, 0, len(result.Series))
		for _, series := range result.Series {
			entities = append(entities, series)
		}
		return entities, nil
	}
}

func (self *BaselineLoader) RoomMessages(roomId Id) BaselineFunction {
	return func(ctx context.Context) ([]Entity, error) {
		result, err := self.api.MessagesSync(roomId, nil)
		if err != nil {
			glog.V(1).Infof("[base]messages room=%s error = %s\n", roomId, err)
			return nil, err
		}
		entities := make([]Entity, 0, len(result.Messages))
		for _, message := range result.Messages {
			entities = append(entities, message)
		}
		return entities, nil
	}
}

func (self *BaselineLoader) Notifications() BaselineFunction {
	return func(ctx context.Context) ([]Entity, error) {
		result, err := self.api.NotificationsSync(nil)
		if err != nil {
			glog.V(1).Infof("[base]notifications error = %s\n", err)
			return nil, err
		}
		entities := make([]Entity, 0, len(result.Notifications))
		for _, notification := range result.Notifications {
			entities = append(entities, notification)
		}
		return entities, nil
	}
}
