package job

import (
	"fmt"
	"slices"

	"afterglow/internal/apperrors"
)

const maxFileIDs = 1024

// Spec is the settings payload of one job type. The remote service decides how
// to compute it; the client only validates the shape before submitting.
type Spec interface {
	JobType() Type
	Validate() error
}

// PixelOps applies arithmetic to images, either against a scalar, against
// auxiliary images, or through a free-form expression.
type PixelOps struct {
	FileIDs    []string `json:"fileIds"`
	AuxFileIDs []string `json:"auxFileIds,omitempty"`
	Op         string   `json:"op,omitempty"`
	Scalar     *float64 `json:"scalarValue,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Inplace    bool     `json:"inplace"`
}

// Alignment registers images against a reference image.
type Alignment struct {
	FileIDs  []string `json:"fileIds"`
	RefImage string   `json:"refImage,omitempty"`
	Mode     string   `json:"mode"`
	Crop     bool     `json:"crop"`
	Inplace  bool     `json:"inplace"`
}

// Stacking combines aligned images into one.
type Stacking struct {
	FileIDs    []string `json:"fileIds"`
	Mode       string   `json:"mode"`
	Rejection  string   `json:"rejection,omitempty"`
	Percentile int      `json:"percentile,omitempty"`
	Lo         *float64 `json:"lo,omitempty"`
	Hi         *float64 `json:"hi,omitempty"`
}

// SourceExtraction detects sources in images.
type SourceExtraction struct {
	FileIDs      []string `json:"fileIds"`
	Threshold    float64  `json:"threshold"`
	FWHM         float64  `json:"fwhm,omitempty"`
	Deblend      bool     `json:"deblend"`
	MergeSources bool     `json:"mergeSources"`
}

// PhotometrySource identifies a source either by sky or pixel coordinates.
type PhotometrySource struct {
	ID      string   `json:"id"`
	RaHours *float64 `json:"raHours,omitempty"`
	DecDegs *float64 `json:"decDegs,omitempty"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
}

// Aperture describes the photometry aperture in pixels.
type Aperture struct {
	Mode string  `json:"mode"`
	A    float64 `json:"a"`
	B    float64 `json:"b,omitempty"`
	AIn  float64 `json:"aIn,omitempty"`
	AOut float64 `json:"aOut,omitempty"`
}

// Photometry measures fluxes of known sources.
type Photometry struct {
	FileIDs  []string           `json:"fileIds"`
	Sources  []PhotometrySource `json:"sources"`
	Aperture Aperture           `json:"settings"`
}

// CatalogQuery looks up catalog sources in the images' fields.
type CatalogQuery struct {
	FileIDs     []string          `json:"fileIds"`
	Catalogs    []string          `json:"catalogs"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Region is a pixel rectangle.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Sonification renders an image region as sound.
type Sonification struct {
	FileID      string  `json:"fileId"`
	Region      *Region `json:"region,omitempty"`
	Duration    float64 `json:"duration"`
	ToneCount   int     `json:"toneCount,omitempty"`
	TempoFactor float64 `json:"tempoFactor,omitempty"`
}

// WcsCalibration plate-solves images.
type WcsCalibration struct {
	FileIDs    []string `json:"fileIds"`
	RaHint     *float64 `json:"raHint,omitempty"`
	DecHint    *float64 `json:"decHint,omitempty"`
	RadiusHint *float64 `json:"radiusHint,omitempty"`
	MaxSources int      `json:"maxSources,omitempty"`
	Inplace    bool     `json:"inplace"`
}

// FieldCalibration derives photometric zero points from catalog matches.
type FieldCalibration struct {
	FileIDs  []string `json:"fileIds"`
	Catalogs []string `json:"catalogs"`
	MinSnr   float64  `json:"minSnr,omitempty"`
	MaxSnr   float64  `json:"maxSnr,omitempty"`
}

func (*PixelOps) JobType() Type         { return TypePixelOps }
func (*Alignment) JobType() Type        { return TypeAlignment }
func (*Stacking) JobType() Type         { return TypeStacking }
func (*SourceExtraction) JobType() Type { return TypeSourceExtraction }
func (*Photometry) JobType() Type       { return TypePhotometry }
func (*CatalogQuery) JobType() Type     { return TypeCatalogQuery }
func (*Sonification) JobType() Type     { return TypeSonification }
func (*WcsCalibration) JobType() Type   { return TypeWcsCalibration }
func (*FieldCalibration) JobType() Type { return TypeFieldCalibration }

var (
	pixelOps       = []string{"+", "-", "*", "/"}
	alignModes     = []string{"wcs", "sources", "features", "pixels"}
	stackModes     = []string{"average", "sum", "percentile", "mode"}
	rejectionModes = []string{"none", "chauvenet", "iraf", "minmax", "sigclip", "rcr"}
	apertureModes  = []string{"constant", "adaptive"}
)

func validateFileIDs(ids []string) error {
	if len(ids) == 0 {
		return apperrors.Validation("fileIds", "at least one file id is required")
	}
	if len(ids) > maxFileIDs {
		return apperrors.Validation("fileIds", fmt.Sprintf("file ids exceed maximum of %d", maxFileIDs))
	}
	for i, id := range ids {
		if id == "" {
			return apperrors.Validation(fmt.Sprintf("fileIds[%d]", i), fmt.Sprintf("fileIds[%d]: id is empty", i))
		}
	}
	return nil
}

func validateOneOf(field, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return apperrors.Validation(field, fmt.Sprintf("%s must be one of %v, got %q", field, allowed, value))
	}
	return nil
}

func (s *PixelOps) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if s.Expression != "" {
		return nil
	}
	if err := validateOneOf("op", s.Op, pixelOps); err != nil {
		return err
	}
	if s.Scalar == nil && len(s.AuxFileIDs) == 0 {
		return apperrors.Validation("scalarValue", "either scalarValue or auxFileIds is required")
	}
	return nil
}

func (s *Alignment) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	return validateOneOf("mode", s.Mode, alignModes)
}

func (s *Stacking) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if err := validateOneOf("mode", s.Mode, stackModes); err != nil {
		return err
	}
	if s.Rejection != "" {
		if err := validateOneOf("rejection", s.Rejection, rejectionModes); err != nil {
			return err
		}
	}
	if s.Mode == "percentile" && (s.Percentile < 1 || s.Percentile > 99) {
		return apperrors.Validation("percentile", "percentile must be between 1 and 99")
	}
	return nil
}

func (s *SourceExtraction) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if s.Threshold <= 0 {
		return apperrors.Validation("threshold", "threshold must be positive")
	}
	if s.FWHM < 0 {
		return apperrors.Validation("fwhm", "fwhm must not be negative")
	}
	return nil
}

func (s *Photometry) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if len(s.Sources) == 0 {
		return apperrors.Validation("sources", "at least one source is required")
	}
	for i, src := range s.Sources {
		sky := src.RaHours != nil && src.DecDegs != nil
		pixel := src.X != nil && src.Y != nil
		if !sky && !pixel {
			return apperrors.Validation(fmt.Sprintf("sources[%d]", i),
				fmt.Sprintf("sources[%d]: either raHours/decDegs or x/y is required", i))
		}
	}
	if err := validateOneOf("settings.mode", s.Aperture.Mode, apertureModes); err != nil {
		return err
	}
	if s.Aperture.A <= 0 {
		return apperrors.Validation("settings.a", "aperture radius must be positive")
	}
	return nil
}

func (s *CatalogQuery) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if len(s.Catalogs) == 0 {
		return apperrors.Validation("catalogs", "at least one catalog is required")
	}
	return nil
}

func (s *Sonification) Validate() error {
	if s.FileID == "" {
		return apperrors.Validation("fileId", "file id is required")
	}
	if s.Duration <= 0 {
		return apperrors.Validation("duration", "duration must be positive")
	}
	if s.Region != nil && (s.Region.Width <= 0 || s.Region.Height <= 0) {
		return apperrors.Validation("region", "region must have a positive size")
	}
	return nil
}

func (s *WcsCalibration) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if s.RaHint != nil && (*s.RaHint < 0 || *s.RaHint >= 24) {
		return apperrors.Validation("raHint", "raHint must be in [0, 24) hours")
	}
	if s.DecHint != nil && (*s.DecHint < -90 || *s.DecHint > 90) {
		return apperrors.Validation("decHint", "decHint must be in [-90, 90] degrees")
	}
	if s.RadiusHint != nil && *s.RadiusHint <= 0 {
		return apperrors.Validation("radiusHint", "radiusHint must be positive")
	}
	return nil
}

func (s *FieldCalibration) Validate() error {
	if err := validateFileIDs(s.FileIDs); err != nil {
		return err
	}
	if len(s.Catalogs) == 0 {
		return apperrors.Validation("catalogs", "at least one catalog is required")
	}
	if s.MaxSnr > 0 && s.MinSnr > s.MaxSnr {
		return apperrors.Validation("minSnr", "minSnr must not exceed maxSnr")
	}
	return nil
}
