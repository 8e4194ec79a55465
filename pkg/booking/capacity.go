package booking

import (
	"context"
	"fmt"
)

// TryReserveStation claims the lowest free station of a class and bumps its booked count.
// It must run inside the transaction that holds the class row lock.
func TryReserveStation(ctx context.Context, txStore Store, classID ClassID) (StationNumber, error) {
	class, err := txStore.LockClass(ctx, classID)
	if err != nil {
		return 0, err
	}
	if class.IsFull() {
		return 0, ErrClassFull
	}
	occupied, err := txStore.OccupiedStations(ctx, classID)
	if err != nil {
		return 0, err
	}
	station, found := lowestFreeStation(class.Capacity, occupied)
	if !found {
		return 0, fmt.Errorf("%w: class %s has booked count %d of %d but every station is occupied", ErrNoStationAvailable, classID.String(), class.BookedCount, class.Capacity)
	}
	if err := txStore.AdjustBookedCount(ctx, classID, 1); err != nil {
		return 0, err
	}
	return station, nil
}

// ReleaseStation gives a station back by decrementing the booked count of a class
// the caller has locked. It reports false, leaving the count at zero, when a
// booking existed while the counter said the class was empty.
func ReleaseStation(ctx context.Context, txStore Store, class ClassSession) (bool, error) {
	if class.BookedCount <= 0 {
		return false, nil
	}
	if err := txStore.AdjustBookedCount(ctx, class.ID, -1); err != nil {
		return false, err
	}
	return true, nil
}

func lowestFreeStation(capacity int, occupied []StationNumber) (StationNumber, bool) {
	taken := make(map[StationNumber]struct{}, len(occupied))
	for _, station := range occupied {
		taken[station] = struct{}{}
	}
	for candidate := StationNumber(1); int(candidate) <= capacity; candidate++ {
		if _, busy := taken[candidate]; !busy {
			return candidate, true
		}
	}
	return 0, false
}
