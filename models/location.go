package models

import (
	"context"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/utils"
	"gorm.io/gorm"
)

// Location is a named physical place material can sit in: stores, production
// stages, QC hold areas and the dispatch bay. Rows are reference data seeded
// once and rarely changed, so code lookups go through a redis cache.
type Location struct {
	ID               int          `gorm:"primary_key" json:"id"`
	LocationCode     string       `gorm:"type:varchar(50);uniqueIndex;not null" json:"location_code"`
	Name             string       `gorm:"type:varchar(255);not null" json:"name"`
	LocationType     LocationType `gorm:"type:varchar(20);not null" json:"location_type"`
	ParentLocationId *int         `gorm:"index" json:"parent_location_id"`
	Description      string       `gorm:"type:text" json:"description"`
	IsActive         *bool        `gorm:"default:true" json:"is_active"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

type NewLocation struct {
	LocationCode     string       `json:"location_code" binding:"required"`
	Name             string       `json:"name" binding:"required"`
	LocationType     LocationType `json:"location_type" binding:"required"`
	ParentLocationId *int         `json:"parent_location_id"`
	Description      string       `json:"description"`
}

func (input *NewLocation) validate(ctx context.Context) error {
	if !input.LocationType.Valid() {
		return errInvalidLocationType
	}
	if input.ParentLocationId != nil {
		if err := utils.ValidateResourceId[Location](ctx, *input.ParentLocationId); err != nil {
			return err
		}
	}
	return utils.ValidateUnique[Location](ctx, "location_code", input.LocationCode, 0)
}

func CreateLocation(ctx context.Context, input NewLocation) (*Location, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	location := Location{
		LocationCode:     input.LocationCode,
		Name:             input.Name,
		LocationType:     input.LocationType,
		ParentLocationId: input.ParentLocationId,
		Description:      input.Description,
		IsActive:         utils.NewTrue(),
	}
	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Create(&location).Error; err != nil {
		return nil, err
	}
	return &location, nil
}

func GetLocation(ctx context.Context, id int) (*Location, error) {
	return utils.FetchModel[Location](ctx, id)
}

// GetLocationByCode resolves a location code, serving repeat lookups from
// redis. Cache entries are invalidated on deactivate.
func GetLocationByCode(ctx context.Context, code string) (*Location, error) {
	cacheKey := "location:code:" + code
	var cached Location
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found && cached.ID != 0 {
		return &cached, nil
	}

	db := config.GetDB()
	var location Location
	err := db.WithContext(ctx).Where("location_code = ? AND is_active = true", code).First(&location).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}

	_ = config.SetRedisObject(cacheKey, &location, 10*time.Minute)
	return &location, nil
}

func ListLocations(ctx context.Context) ([]Location, error) {
	db := config.GetDB()
	var locations []Location
	err := db.WithContext(ctx).Where("is_active = true").Order("location_code ASC").Find(&locations).Error
	return locations, err
}

// DeactivateLocation soft-deletes the location. Movement history referencing
// it stays intact.
func DeactivateLocation(ctx context.Context, id int) error {
	location, err := utils.FetchModel[Location](ctx, id)
	if err != nil {
		return err
	}
	db := config.GetDB()
	err = db.WithContext(ctx).Model(location).Update("is_active", false).Error
	if err != nil {
		return err
	}
	_ = config.RemoveRedisKey("location:code:" + location.LocationCode)
	return nil
}

// DefaultLocations is the standard factory layout seeded by the
// seed-locations command: stores, the production line stages, QC and
// dispatch.
var DefaultLocations = []NewLocation{
	{LocationCode: "RM_STORE", Name: "Raw Material Store", LocationType: LocationTypeRMStore},
	{LocationCode: "COILING", Name: "Coiling Section", LocationType: LocationTypeWIP},
	{LocationCode: "TEMPERING", Name: "Tempering Furnace", LocationType: LocationTypeWIP},
	{LocationCode: "GRINDING", Name: "End Grinding", LocationType: LocationTypeWIP},
	{LocationCode: "SHOT_PEENING", Name: "Shot Peening", LocationType: LocationTypeWIP},
	{LocationCode: "SCRAGGING", Name: "Scragging / Load Testing", LocationType: LocationTypeWIP},
	{LocationCode: "PAINTING", Name: "Painting and Coating", LocationType: LocationTypeWIP},
	{LocationCode: "QC_HOLD", Name: "Quality Hold Area", LocationType: LocationTypeQuality},
	{LocationCode: "PACKING", Name: "Packing Section", LocationType: LocationTypePacking},
	{LocationCode: "FG_STORE", Name: "Finished Goods Store", LocationType: LocationTypeFGStore},
	{LocationCode: "DISPATCH", Name: "Dispatch Bay", LocationType: LocationTypeDispatch},
	{LocationCode: "SCRAP_YARD", Name: "Scrap Yard", LocationType: LocationTypeScrap},
}

// SeedDefaultLocations inserts any missing default locations. Safe to run
// repeatedly.
func SeedDefaultLocations(ctx context.Context) (int, error) {
	db := config.GetDB()
	created := 0
	for _, input := range DefaultLocations {
		var count int64
		err := db.WithContext(ctx).Model(&Location{}).
			Where("location_code = ?", input.LocationCode).Count(&count).Error
		if err != nil {
			return created, err
		}
		if count > 0 {
			continue
		}
		if _, err := CreateLocation(ctx, input); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
