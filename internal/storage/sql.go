package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (run_id,
                      start_time,
                      product_code,
                      device_id,
                      firmware_version,
                      filter_profile,
                      config)
VALUES (?, CURRENT_TIMESTAMP, ?, ?, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    run_id,
    start_time,
    product_code,
    device_id,
    firmware_version,
    filter_profile,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    run_id,
    start_time,
    product_code,
    device_id,
    firmware_version,
    filter_profile,
    config
FROM sessions
ORDER BY id`

	insertSampleSQL = `
INSERT INTO samples (session_id,
                     received,
                     packet_counter,
                     sample_time_fine,
                     status_word,
                     gyr_x, gyr_y, gyr_z,
                     acc_x, acc_y, acc_z,
                     mag_x, mag_y, mag_z,
                     temperature,
                     quat_w, quat_x, quat_y, quat_z,
                     roll, pitch, yaw)
VALUES `

	selectSamplesSQL = `
SELECT
    received,
    packet_counter,
    sample_time_fine,
    status_word,
    gyr_x, gyr_y, gyr_z,
    acc_x, acc_y, acc_z,
    mag_x, mag_y, mag_z,
    temperature,
    quat_w, quat_x, quat_y, quat_z,
    roll, pitch, yaw
FROM samples
WHERE
    session_id = ?
ORDER BY id`

	insertCalibrationSQL = `
INSERT INTO calibration_results (session_id,
                                 outcome,
                                 original_x, original_y, original_z,
                                 estimated_x, estimated_y, estimated_z,
                                 stddev_x, stddev_y, stddev_z,
                                 quality_good)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectCalibrationSQL = `
SELECT
    outcome,
    original_x, original_y, original_z,
    estimated_x, estimated_y, estimated_z,
    stddev_x, stddev_y, stddev_z,
    quality_good
FROM calibration_results
WHERE
    session_id = ?
ORDER BY id DESC
LIMIT 1`
)

//go:embed schema.sql
var initSchemaSQL string

//go:embed indexes.sql
var initIndexesSQL string
