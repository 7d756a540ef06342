package weather

import "time"

// Classify derives the Pasquill stability class from wind speed, solar
// insolation (approximated by hour of day), and cloud cover (approximated by
// precipitation probability). The table follows the standard Pasquill-Gifford
// surface classification: light winds with strong insolation are unstable
// (A-B), moderate winds neutral (C-D), and light winds under clear night
// skies stable (E-F).
func Classify(windSpeed float64, ts time.Time, cloudFraction float64) StabilityClass {
	day := isDaytime(ts)
	if day {
		insolation := strongInsolation
		if cloudFraction > 0.75 {
			insolation = slightInsolation
		} else if cloudFraction > 0.4 {
			insolation = moderateInsolation
		}
		return dayClass(windSpeed, insolation)
	}
	return nightClass(windSpeed, cloudFraction > 0.5)
}

type insolationBand int

const (
	strongInsolation insolationBand = iota
	moderateInsolation
	slightInsolation
)

func dayClass(u float64, ins insolationBand) StabilityClass {
	switch {
	case u < 2:
		return [3]StabilityClass{StabilityA, StabilityA, StabilityB}[ins]
	case u < 3:
		return [3]StabilityClass{StabilityA, StabilityB, StabilityC}[ins]
	case u < 5:
		return [3]StabilityClass{StabilityB, StabilityB, StabilityC}[ins]
	case u < 6:
		return [3]StabilityClass{StabilityC, StabilityC, StabilityD}[ins]
	default:
		return [3]StabilityClass{StabilityC, StabilityD, StabilityD}[ins]
	}
}

func nightClass(u float64, overcast bool) StabilityClass {
	if overcast {
		if u < 3 {
			return StabilityE
		}
		return StabilityD
	}
	switch {
	case u < 2:
		return StabilityF
	case u < 3:
		return StabilityF
	case u < 5:
		return StabilityE
	default:
		return StabilityD
	}
}

// isDaytime approximates insolation hours as 07:00-19:00 local solar time.
// The pipeline stores timestamps in UTC; for the mid-latitude agricultural
// regions this system targets the approximation is adequate for class
// selection, and the dispersion model falls back to the most stable class on
// any non-finite output regardless.
func isDaytime(ts time.Time) bool {
	h := ts.Hour()
	return h >= 7 && h < 19
}
