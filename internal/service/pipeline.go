package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tirescan-service/internal/domain/vehicle"
	"tirescan-service/internal/status"
	"tirescan-service/internal/utils"
)

// Pipeline runs one uploaded artifact through detect, persist and
// transfer, publishing status events for the owning session at every
// transition. A run always removes its temporary artifact and always
// publishes exactly one Done as its final event, whatever stage failed.
type Pipeline struct {
	detector Detector
	transfer Transferer
	sessions *SessionService
	bus      *status.Bus
	basePath string
	log      zerolog.Logger
}

func NewPipeline(detector Detector, transfer Transferer, sessions *SessionService, bus *status.Bus, remoteBasePath string, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		detector: detector,
		transfer: transfer,
		sessions: sessions,
		bus:      bus,
		basePath: remoteBasePath,
		log:      log,
	}
}

// Run executes one pipeline run to completion. It never returns an
// error: every outcome is reported through the status bus.
func (p *Pipeline) Run(ctx context.Context, artifactPath, sessionID string, kind vehicle.Stage) {
	log := p.log.With().
		Str("run_id", uuid.NewString()).
		Str("session_id", sessionID).
		Str("kind", string(kind)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("pipeline run panicked")
			p.bus.Publish(sessionID, vehicle.ErrorEvent{Message: fmt.Sprintf("unexpected fault: %v", r)})
		}
		if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("artifact", artifactPath).Msg("failed to remove temporary artifact")
		}
		p.bus.Publish(sessionID, vehicle.Done{})
		log.Info().Msg("pipeline run finished")
	}()

	log.Info().Str("artifact", artifactPath).Msg("pipeline run started")

	switch kind {
	case vehicle.StageTireBrand:
		p.runTireBrand(ctx, log, artifactPath, sessionID)
	default:
		p.runLicense(ctx, log, artifactPath, sessionID)
	}
}

func (p *Pipeline) runLicense(ctx context.Context, log zerolog.Logger, artifactPath, sessionID string) {
	p.bus.Publish(sessionID, vehicle.StageStatus{
		Stage:   vehicle.StageLicense,
		State:   vehicle.StateProcessing,
		Message: "Processing license plate...",
	})

	result, err := p.detector.DetectLicense(ctx, artifactPath)
	if err != nil {
		log.Error().Err(err).Msg("license plate detection failed")
		p.bus.Publish(sessionID, vehicle.StageStatus{
			Stage:   vehicle.StageLicense,
			State:   vehicle.StateError,
			Message: "License plate detection failed",
		})
		return
	}

	raw, _ := json.Marshal(result)
	if err := p.sessions.Update(ctx, sessionID, vehicle.SessionFields{
		LicensePlate: &result.LicensePlate,
		CarBrand:     &result.CarBrand,
		RawDetection: raw,
	}); err != nil {
		p.bus.Publish(sessionID, vehicle.ErrorEvent{Message: "Failed to save session data"})
		return
	}

	p.bus.Publish(sessionID, vehicle.StageStatus{
		Stage:   vehicle.StageLicense,
		State:   vehicle.StateSuccess,
		Message: "License plate and car brand detected.",
		Data: map[string]string{
			"license_plate": result.LicensePlate,
			"car_brand":     result.CarBrand,
		},
	})

	p.upload(ctx, log, sessionID, artifactPath, p.remoteDir(result.LicensePlate, sessionID), "license_plate.jpg")
}

func (p *Pipeline) runTireBrand(ctx context.Context, log zerolog.Logger, artifactPath, sessionID string) {
	var licensePlate, carBrand string
	if session, err := p.sessions.Get(ctx, sessionID); err == nil {
		licensePlate = session.LicensePlate
		carBrand = session.CarBrand
	}
	known := map[string]string{
		"license_plate": licensePlate,
		"car_brand":     carBrand,
	}

	p.bus.Publish(sessionID, vehicle.StageStatus{
		Stage:   vehicle.StageTireBrand,
		State:   vehicle.StateProcessing,
		Message: "Processing tire brand...",
		Data:    known,
	})

	result, err := p.detector.DetectTireBrand(ctx, artifactPath)
	if err != nil {
		log.Error().Err(err).Msg("tire brand detection failed")
		p.bus.Publish(sessionID, vehicle.StageStatus{
			Stage:   vehicle.StageTireBrand,
			State:   vehicle.StateError,
			Message: "Tire brand detection failed",
			Data:    known,
		})
		return
	}

	raw, _ := json.Marshal(result)
	if err := p.sessions.Update(ctx, sessionID, vehicle.SessionFields{
		TireBrand:    &result.TireBrand,
		RawDetection: raw,
	}); err != nil {
		p.bus.Publish(sessionID, vehicle.ErrorEvent{Message: "Failed to save session data"})
		return
	}

	p.bus.Publish(sessionID, vehicle.StageStatus{
		Stage:   vehicle.StageTireBrand,
		State:   vehicle.StateSuccess,
		Message: "Tire brand detected",
		Data: map[string]string{
			"tire_brand":    result.TireBrand,
			"license_plate": licensePlate,
			"car_brand":     carBrand,
		},
	})

	p.upload(ctx, log, sessionID, artifactPath, p.remoteDir(licensePlate, sessionID), "tire_brand.jpg")
}

// remoteDir derives the destination directory from the plate and the
// session id: <base>/car/<plate>/tire/<session>.
func (p *Pipeline) remoteDir(licensePlate, sessionID string) string {
	return path.Join(p.basePath, "car", utils.NormalizePlate(licensePlate), "tire", sessionID)
}

func (p *Pipeline) upload(ctx context.Context, log zerolog.Logger, sessionID, localPath, remoteDir, filename string) {
	p.bus.Publish(sessionID, vehicle.Progress{Percent: 0})

	last := 0
	progress := func(sent, total int64) {
		if total <= 0 {
			return
		}
		pct := int(sent * 100 / total)
		if pct > 100 {
			pct = 100
		}
		if pct <= last {
			return
		}
		last = pct
		p.bus.Publish(sessionID, vehicle.Progress{Percent: pct})
	}

	if err := p.transfer.Upload(ctx, localPath, remoteDir, filename, progress); err != nil {
		log.Error().Err(err).Str("remote_dir", remoteDir).Msg("upload failed")
		p.bus.Publish(sessionID, vehicle.ErrorEvent{Message: fmt.Sprintf("FTP upload failed: %v", err)})
		return
	}

	if last < 100 {
		p.bus.Publish(sessionID, vehicle.Progress{Percent: 100})
	}
	p.bus.Publish(sessionID, vehicle.TransferStatus{
		State:   vehicle.TransferUploaded,
		Message: "File uploaded successfully",
		Link:    p.transfer.PublicURL(remoteDir),
	})
	log.Info().Str("remote_dir", remoteDir).Msg("upload complete")
}
