package compute

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rdrf/rdrf/internal/domain/calculation"
)

// BMI computes body-mass index from a height in centimetres and a weight
// in kilograms, rounded to two decimals.
func BMI(heightCode, weightCode string) Calculator {
	return CalculatorFunc(func(_ context.Context, in Input) (calculation.Scalar, error) {
		h, err := in.Number(heightCode)
		if err != nil {
			return calculation.Scalar{}, err
		}
		w, err := in.Number(weightCode)
		if err != nil {
			return calculation.Scalar{}, err
		}
		if h <= 0 {
			return calculation.Scalar{}, fmt.Errorf("%s must be positive", heightCode)
		}
		m := h / 100
		return calculation.Number(math.Round(w/(m*m)*100) / 100), nil
	})
}

// Age computes the patient's age in whole years on the request date.
func Age() Calculator {
	return CalculatorFunc(func(_ context.Context, in Input) (calculation.Scalar, error) {
		dob, err := time.Parse("2006-01-02", in.Patient.DateOfBirth)
		if err != nil {
			return calculation.Scalar{}, fmt.Errorf("patient_date_of_birth: %w", err)
		}
		today := in.Today
		if today.IsZero() {
			today = time.Now()
		}
		years := today.Year() - dob.Year()
		if !sameMonthDayOrLater(today, dob) {
			years--
		}
		if years < 0 {
			return calculation.Scalar{}, fmt.Errorf("patient_date_of_birth %s is in the future", in.Patient.DateOfBirth)
		}
		return calculation.Number(float64(years)), nil
	})
}

func sameMonthDayOrLater(today, dob time.Time) bool {
	if today.Month() != dob.Month() {
		return today.Month() > dob.Month()
	}
	return today.Day() >= dob.Day()
}
