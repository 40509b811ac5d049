package scoring

import (
	"fmt"
	"regexp"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
)

// Pattern awards Points when Re matches a folder path or filename.
type Pattern struct {
	Re     *regexp.Regexp
	Points int
	Reason string
}

// TradeProfile bundles everything trade-specific the cascade needs, so the
// same code can be pointed at another scope of work.
type TradeProfile struct {
	Trade    constants.Trade
	Name     string
	Category string // LineItem category
	ItemNoun string // what one instance is called in prompts, e.g. "sign"

	FolderPatterns   []Pattern
	FilenamePatterns []Pattern

	// LegendHeaders locate the legend/schedule table in the top document.
	LegendHeaders []*regexp.Regexp
	// RoomScheduleItem, when set, lets a door or room schedule stand in for a
	// legend: one item of this description per scheduled room.
	RoomScheduleItem string

	// BoostGuidance is appended to the booster system prompt.
	BoostGuidance string
}

func p(expr string, points int, reason string) Pattern {
	return Pattern{Re: regexp.MustCompile(expr), Points: points, Reason: reason}
}

var (
	divisionTen   = p(`(?i)div(ision)?[ _.-]*10\b`, 70, "division 10 folder")
	specsFolder   = p(`(?i)(^|/)(specs?|specifications|project[ _-]*manual)(/|$)`, 45, "specifications folder")
	archFolder    = p(`(?i)(^|/)(arch(itectural)?|a)(/|$)`, 40, "architectural drawings folder")
	interiors     = p(`(?i)(^|/)interiors?(/|$)`, 35, "interiors folder")
	floorPlans    = p(`(?i)(floor|life[ _-]*safety|egress|reflected[ _-]*ceiling)[ _-]*plans?`, 55, "plan sheet")
	doorSchedule  = p(`(?i)(door|room|finish)[ _-]*(schedule|matrix)`, 65, "door or room schedule")
	archSheet     = p(`(?i)(^|[^a-z])a[ _-]?\d{1,2}\.\d{1,2}`, 45, "architectural sheet number")
	specsFilename = p(`(?i)(^|[^a-z])(spec(ification)?s?|project[ _-]*manual)([^a-z]|$)`, 40, "specification book")
)

var profiles = map[constants.Trade]TradeProfile{
	constants.TradeSignage: {
		Trade:    constants.TradeSignage,
		Name:     "Signage",
		Category: "signage",
		ItemNoun: "sign",
		FolderPatterns: []Pattern{
			p(`(?i)(^|/)(signage|signs?|wayfinding)(/|$)`, 85, "signage folder"),
			divisionTen, specsFolder, archFolder, interiors,
		},
		FilenamePatterns: []Pattern{
			p(`(?i)sign(age)?[ _-]*(schedule|legend|types?|matrix|message[ _-]*schedule)`, 100, "sign schedule or legend"),
			p(`(?i)10[ _.-]?14[ _.-]?00`, 95, "spec section 10 14 00"),
			p(`(?i)signage|wayfinding`, 90, "signage document"),
			doorSchedule, floorPlans, archSheet, specsFilename,
		},
		LegendHeaders: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bsign(age)?\s+(schedule|legend|types?|matrix)\b`),
			regexp.MustCompile(`(?i)\bsign\s+type\b`),
		},
		RoomScheduleItem: "Room identification sign",
		BoostGuidance: "Interior and exterior signage (CSI 10 14 00): room identification, ADA/tactile, " +
			"wayfinding, exit and code-required signs, dimensional letters. Floor plans that tag sign types, " +
			"sign schedules, door schedules and the 10 14 00 spec section are relevant. " +
			"Structural, MEP, civil and landscape sheets are not.",
	},
	constants.TradeToiletAccessories: {
		Trade:    constants.TradeToiletAccessories,
		Name:     "Toilet Accessories",
		Category: "toilet_accessories",
		ItemNoun: "accessory",
		FolderPatterns: []Pattern{
			p(`(?i)(^|/)(toilet|bath(room)?)[ _-]*accessor(y|ies)(/|$)`, 85, "toilet accessories folder"),
			divisionTen, specsFolder, archFolder, interiors,
		},
		FilenamePatterns: []Pattern{
			p(`(?i)(toilet|bath)[ _-]*accessor(y|ies)[ _-]*(schedule|legend|matrix)`, 100, "accessory schedule"),
			p(`(?i)10[ _.-]?28[ _.-]?00`, 95, "spec section 10 28 00"),
			p(`(?i)enlarged[ _-]*(restroom|toilet)[ _-]*plans?`, 80, "enlarged restroom plan"),
			p(`(?i)(toilet|restroom|bath(room)?)[ _-]*(room|elevations?|plans?)`, 60, "restroom sheet"),
			floorPlans, archSheet, specsFilename,
		},
		LegendHeaders: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(toilet\s+)?accessor(y|ies)\s+(schedule|legend|types?)\b`),
		},
		BoostGuidance: "Toilet, bath and janitor accessories (CSI 10 28 00): grab bars, dispensers, " +
			"mirrors, hand dryers, partitions hardware. Enlarged restroom plans and elevations, accessory " +
			"schedules and the 10 28 00 spec section are relevant. Structural and site sheets are not.",
	},
}

// Profile returns the trade profile for t.
func Profile(t constants.Trade) (TradeProfile, error) {
	prof, ok := profiles[t]
	if !ok {
		return TradeProfile{}, common.NewAppError("UNKNOWN_TRADE", fmt.Sprintf("no pattern set for trade %q", t), common.ErrInput)
	}
	return prof, nil
}
